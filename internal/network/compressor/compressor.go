package compressor

import "github.com/cockroachdb/errors"

// 每个压缩块的首字节标记负载格式。
const (
	FormatRaw  byte = 0
	FormatZstd byte = 1
)

// ErrCorrupted 表示输入不是 Compress 的输出。
var ErrCorrupted = errors.New("compressor: corrupted block")

// Compressor 抽象了单次压缩/解压能力，用于持久化的值与链路上的大块负载。
type Compressor interface {
	// Compress 将 src 压缩为一个自描述块，dst 的底层容量可被复用。
	Compress(dst, src []byte) (block []byte, err error)

	// Decompress 解出 Compress 生成的块。
	Decompress(dst, block []byte) (plain []byte, err error)
}

// NopCompressor 只写入格式标记，不做压缩。
type NopCompressor struct{}

var _ Compressor = NopCompressor{}

func (NopCompressor) Compress(dst, src []byte) ([]byte, error) {
	return frame(dst, FormatRaw, src), nil
}

func (NopCompressor) Decompress(dst, block []byte) ([]byte, error) {
	format, payload, err := unframe(block)
	if err != nil {
		return nil, err
	}
	if format != FormatRaw {
		return nil, errors.Wrapf(ErrCorrupted, "unexpected format %d", format)
	}
	return append(dst[:0], payload...), nil
}

func frame(dst []byte, format byte, payload []byte) []byte {
	dst = append(dst[:0], format)
	return append(dst, payload...)
}

func unframe(block []byte) (byte, []byte, error) {
	if len(block) == 0 {
		return 0, nil, errors.Wrap(ErrCorrupted, "empty block")
	}
	return block[0], block[1:], nil
}
