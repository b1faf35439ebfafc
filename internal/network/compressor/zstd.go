package compressor

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/lk2023060901/kai-go/pkg/util/hardware"
)

// DefaultMinCompressSize 为缺省的压缩阈值，更短的值按原样存储。
const DefaultMinCompressSize = 64

// ZstdCompressor 基于 github.com/klauspost/compress/zstd 的压缩实现。
//
// 持有独立的 encoder/decoder，EncodeAll/DecodeAll 可并发调用。
type ZstdCompressor struct {
	enc             *zstd.Encoder
	dec             *zstd.Decoder
	minCompressSize int
}

var _ Compressor = (*ZstdCompressor)(nil)

// NewZstdCompressor 创建一个 ZstdCompressor，并发度为主机 CPU 核心数。
func NewZstdCompressor() (*ZstdCompressor, error) {
	return NewZstdCompressorWithConcurrency(0)
}

// NewZstdCompressorWithConcurrency 创建一个 ZstdCompressor，concurrency <= 0 时使用 CPU 核心数。
func NewZstdCompressorWithConcurrency(concurrency int) (*ZstdCompressor, error) {
	if concurrency <= 0 {
		concurrency = hardware.GetCPUNum()
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithZeroFrames(true),
		zstd.WithEncoderConcurrency(concurrency),
	)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(concurrency))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &ZstdCompressor{
		enc:             enc,
		dec:             dec,
		minCompressSize: DefaultMinCompressSize,
	}, nil
}

// SetMinCompressSize 设置触发压缩的最小字节数，更短的输入以 FormatRaw 存储。
func (c *ZstdCompressor) SetMinCompressSize(n int) {
	if n < 0 {
		n = 0
	}
	c.minCompressSize = n
}

func (c *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	if c == nil || c.enc == nil {
		return nil, zstd.ErrEncoderClosed
	}
	if len(src) < c.minCompressSize {
		return frame(dst, FormatRaw, src), nil
	}
	dst = append(dst[:0], FormatZstd)
	return c.enc.EncodeAll(src, dst), nil
}

func (c *ZstdCompressor) Decompress(dst, block []byte) ([]byte, error) {
	if c == nil || c.dec == nil {
		return nil, zstd.ErrDecoderClosed
	}
	format, payload, err := unframe(block)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatRaw:
		return append(dst[:0], payload...), nil
	case FormatZstd:
		out, err := c.dec.DecodeAll(payload, dst[:0])
		if err != nil {
			return nil, errors.Wrap(err, "zstd decode")
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrCorrupted, "unknown format %d", format)
	}
}

// Close 释放 encoder/decoder，之后的调用返回 ErrEncoderClosed/ErrDecoderClosed。
func (c *ZstdCompressor) Close() {
	if c == nil {
		return
	}
	if c.enc != nil {
		_ = c.enc.Close()
		c.enc = nil
	}
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
}
