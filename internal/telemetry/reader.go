package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"

	"GoTrialRunner/internal/protocol"
)

const readChunkSize = 32 * 1024

// Reader 顺序读取遥测记录
type Reader struct {
	r       io.Reader
	decoder *protocol.RecordDecoder
	buf     []byte
	eof     bool
}

// NewReader 创建读取器
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:       r,
		decoder: protocol.NewRecordDecoder(),
		buf:     make([]byte, readChunkSize),
	}
}

// Next 返回下一条记录，读完时返回 io.EOF
func (rd *Reader) Next() (*Batch, error) {
	for {
		record, err := rd.decoder.Next()
		if err != nil {
			return nil, err
		}
		if record != nil {
			return decodeBatch(record)
		}

		if rd.eof {
			if rd.decoder.Buffered() > 0 {
				return nil, fmt.Errorf("%w: %d trailing bytes", ErrTruncated, rd.decoder.Buffered())
			}
			return nil, io.EOF
		}

		n, err := rd.r.Read(rd.buf)
		if n > 0 {
			rd.decoder.Feed(rd.buf[:n])
		}
		if errors.Is(err, io.EOF) {
			rd.eof = true
		} else if err != nil {
			return nil, fmt.Errorf("failed to read telemetry: %w", err)
		}
	}
}

// ReadFile 读取整个遥测文件
func ReadFile(path string) ([]*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var batches []*Batch
	rd := NewReader(f)
	for {
		batch, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return batches, nil
		}
		if err != nil {
			return batches, err
		}
		batches = append(batches, batch)
	}
}
