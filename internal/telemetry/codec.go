package telemetry

import (
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"GoTrialRunner/internal/protocol"
)

// MaxNestedLevels 读取端允许的最大嵌套层数（CBOR库允许的上限）。
// 入站消息在解码时已限制为 protocol.MaxMessageDepth 层，条目外壳最多再加4层
const MaxNestedLevels = 65535

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd 编解码器可并发复用（EncodeAll/DecodeAll）
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("telemetry: CBOR encoder initialization failed: " + err.Error())
	}

	// 载荷是任意JSON对象，解码到 any 时使用字符串键的map。
	// 写入端没有大小限制，读取端取允许的最大值，长回合和深层消息都必须能读回
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  MaxNestedLevels,
		MaxArrayElements: math.MaxInt32,
		MaxMapPairs:      math.MaxInt32,
	}.DecMode()
	if err != nil {
		panic("telemetry: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("telemetry: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("telemetry: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBatch 编码一条记录：CBOR记录体，按需压缩，再加记录头
func encodeBatch(kind uint16, v any, compress bool) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", protocol.KindToString(kind), err)
	}

	if compress {
		body = zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)))
		kind |= protocol.FlagZstd
	}

	return protocol.EncodeRecord(kind, body)
}

// decodeBatch 还原一条记录
func decodeBatch(record *protocol.Record) (*Batch, error) {
	if !protocol.IsValidKind(record.Kind) {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownKind, record.Kind)
	}

	body := record.Body
	if protocol.IsCompressed(record.Kind) {
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", protocol.KindToString(record.Kind), err)
		}
	}

	batch := &Batch{Kind: protocol.BaseKind(record.Kind)}
	switch batch.Kind {
	case protocol.KindEpisodeBatch:
		var entries []Entry
		if err := decMode.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("failed to unmarshal episode batch: %w", err)
		}
		batch.Episodes = [][]Entry{entries}
	case protocol.KindTrialBatch:
		if err := decMode.Unmarshal(body, &batch.Episodes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trial batch: %w", err)
		}
	}

	return batch, nil
}
