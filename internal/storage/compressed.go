package storage

import (
	"context"

	"github.com/lk2023060901/kai-go/internal/network/compressor"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

// CompressedStore 在写入前压缩值，读取后解压。
type CompressedStore struct {
	inner Store
	codec compressor.Compressor
}

var _ Store = (*CompressedStore)(nil)

func NewCompressedStore(inner Store, codec compressor.Compressor) *CompressedStore {
	return &CompressedStore{inner: inner, codec: codec}
}

func (s *CompressedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &compressedTx{Tx: tx, codec: s.codec}, nil
}

func (s *CompressedStore) Close() error {
	err := s.inner.Close()
	if c, ok := s.codec.(interface{ Close() }); ok {
		c.Close()
	}
	return err
}

type compressedTx struct {
	Tx
	codec compressor.Compressor
}

func (t *compressedTx) Get(key string) ([]byte, error) {
	block, err := t.Tx.Get(key)
	if err != nil {
		return nil, err
	}
	plain, err := t.codec.Decompress(nil, block)
	if err != nil {
		return nil, merr.WrapErrIoFailed(key, err)
	}
	return plain, nil
}

func (t *compressedTx) Put(key string, value []byte) error {
	block, err := t.codec.Compress(nil, value)
	if err != nil {
		return merr.WrapErrIoFailed(key, err)
	}
	return t.Tx.Put(key, block)
}
