package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 记录头长度：类型(2字节) + 数据长度(4字节)
	RecordHeaderSize = 6
	// 最大记录大小限制（原始观测数据可能较大）
	MaxRecordSize = 256 * 1024 * 1024 // 256MB
	// 最小记录大小（只有头部）
	MinRecordSize = RecordHeaderSize
)

var (
	ErrRecordTooSmall = errors.New("record too small")
	ErrRecordTooLarge = errors.New("record too large")
	ErrInvalidRecord  = errors.New("invalid record format")
)

// Record 遥测文件中的一条完整记录
type Record struct {
	Kind uint16 // 记录类型（可能带压缩标志）
	Body []byte // 记录体（CBOR编码，可能经过压缩）
}

// EncodeRecord 将记录类型和记录体编码为二进制格式
// 记录格式: | kind(2字节) | length(4字节) | body(变长) |
func EncodeRecord(kind uint16, body []byte) ([]byte, error) {
	if body == nil {
		body = []byte{}
	}

	size := RecordHeaderSize + len(body)
	if size > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, size)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], kind)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[6:], body)

	return buf, nil
}

// DecodeRecord 从一段完整的二进制数据中解码出记录类型和记录体
func DecodeRecord(raw []byte) (kind uint16, body []byte, err error) {
	if len(raw) < MinRecordSize {
		return 0, nil, ErrRecordTooSmall
	}

	if len(raw) > MaxRecordSize {
		return 0, nil, ErrRecordTooLarge
	}

	kind = binary.BigEndian.Uint16(raw[0:2])
	bodyLength := binary.BigEndian.Uint32(raw[2:6])

	expected := RecordHeaderSize + int(bodyLength)
	if len(raw) != expected {
		return 0, nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidRecord, expected, len(raw))
	}

	if bodyLength > 0 {
		body = make([]byte, bodyLength)
		copy(body, raw[6:])
	}

	return kind, body, nil
}

// RecordDecoder 从数据流中逐步解码记录（用于流式读取遥测文件）
type RecordDecoder struct {
	buffer     []byte
	headerRead bool
	recordSize int
}

// NewRecordDecoder 创建新的记录解码器
func NewRecordDecoder() *RecordDecoder {
	return &RecordDecoder{
		buffer: make([]byte, 0, 4096),
	}
}

// Feed 向解码器输入数据
func (rd *RecordDecoder) Feed(data []byte) {
	rd.buffer = append(rd.buffer, data...)
}

// Next 尝试解码下一条完整记录，数据不足时返回 (nil, nil)
func (rd *RecordDecoder) Next() (*Record, error) {
	if !rd.headerRead {
		if len(rd.buffer) < RecordHeaderSize {
			return nil, nil
		}

		bodyLength := binary.BigEndian.Uint32(rd.buffer[2:6])
		rd.recordSize = RecordHeaderSize + int(bodyLength)
		if rd.recordSize > MaxRecordSize {
			return nil, ErrRecordTooLarge
		}

		rd.headerRead = true
	}

	if len(rd.buffer) < rd.recordSize {
		return nil, nil
	}

	kind, body, err := DecodeRecord(rd.buffer[:rd.recordSize])
	if err != nil {
		return nil, err
	}

	// 移除已处理的数据
	rd.buffer = rd.buffer[rd.recordSize:]
	rd.headerRead = false
	rd.recordSize = 0

	return &Record{Kind: kind, Body: body}, nil
}

// Reset 重置解码器状态
func (rd *RecordDecoder) Reset() {
	rd.buffer = rd.buffer[:0]
	rd.headerRead = false
	rd.recordSize = 0
}

// Buffered 返回尚未解码的字节数
func (rd *RecordDecoder) Buffered() int {
	return len(rd.buffer)
}
