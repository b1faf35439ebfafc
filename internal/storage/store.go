package storage

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/kai-go/internal/config"
	"github.com/lk2023060901/kai-go/internal/network/compressor"
	"github.com/lk2023060901/kai-go/pkg/metrics"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

// ErrTxDone 表示事务已提交或回滚。
var ErrTxDone = errors.New("storage: transaction already finished")

// Store 为持久化协作方，每个 tick 开启一个事务。
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx 为一次 tick 的事务范围。失败时必须回滚，不影响已提交的状态。
type Tx interface {
	// Get 读取 key，不存在时返回 merr.ErrIoKeyNotFound。
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Commit() error
	Rollback() error
}

// Open 按配置打开存储，compress 为 true 时值以 zstd 压缩后写入。
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case config.StorageMemory:
		store = NewMemoryStore()
	case config.StorageSQLite:
		store, err = OpenSQLite(ctx, cfg.Path)
	default:
		return nil, merr.WrapErrConfig("storage.driver", "unknown driver", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Compress {
		return store, nil
	}
	c, err := compressor.NewZstdCompressor()
	if err != nil {
		_ = store.Close()
		return nil, merr.WrapErrStorage("open", err)
	}
	return NewCompressedStore(store, c), nil
}

func observe(op string, err error) error {
	if err != nil {
		metrics.StorageTx.WithLabelValues(op + "_failed").Inc()
		return merr.WrapErrStorage(op, err)
	}
	metrics.StorageTx.WithLabelValues(op).Inc()
	return nil
}
