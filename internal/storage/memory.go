package storage

import (
	"context"
	"sync"

	"github.com/lk2023060901/kai-go/pkg/util/merr"
)

// MemoryStore 为进程内存储，用于测试与无盘运行。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, merr.WrapErrStorage("begin", err)
	}
	return &memoryTx{store: s, writes: make(map[string][]byte)}, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len 返回已提交的键数。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// memoryTx 缓存写入，提交时一次性应用；nil 值表示删除。
type memoryTx struct {
	store  *MemoryStore
	writes map[string][]byte
	done   bool
}

func (tx *memoryTx) Get(key string) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if v, ok := tx.writes[key]; ok {
		if v == nil {
			return nil, merr.WrapErrIoKeyNotFound(key)
		}
		return clone(v), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	v, ok := tx.store.data[key]
	if !ok {
		return nil, merr.WrapErrIoKeyNotFound(key)
	}
	return clone(v), nil
}

func (tx *memoryTx) Put(key string, value []byte) error {
	if tx.done {
		return ErrTxDone
	}
	if value == nil {
		value = []byte{}
	}
	tx.writes[key] = clone(value)
	return nil
}

func (tx *memoryTx) Delete(key string) error {
	if tx.done {
		return ErrTxDone
	}
	tx.writes[key] = nil
	return nil
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return observe("commit", ErrTxDone)
	}
	tx.done = true
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for k, v := range tx.writes {
		if v == nil {
			delete(tx.store.data, k)
			continue
		}
		tx.store.data[k] = v
	}
	return observe("commit", nil)
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.writes = nil
	return observe("rollback", nil)
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)), b...)
}
