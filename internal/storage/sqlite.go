package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/lk2023060901/kai-go/pkg/log"
	"github.com/lk2023060901/kai-go/pkg/util/merr"
	"github.com/lk2023060901/kai-go/pkg/util/retry"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);`

// SQLiteStore 将键值保存在 sqlite 单表中，每个 tick 对应一个数据库事务。
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite 打开或创建 path 指向的数据库，数据库被锁定时按退避重试。
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, merr.WrapErrStorage("open", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL")
	if err != nil {
		return nil, merr.WrapErrStorage("open", err)
	}
	// 单写者：tick 事务串行执行。
	db.SetMaxOpenConns(1)

	err = retry.Do(ctx, func() error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, schema)
		return err
	}, retry.Attempts(5), retry.Sleep(50*time.Millisecond), retry.MaxSleepTime(500*time.Millisecond))
	if err != nil {
		_ = db.Close()
		return nil, merr.WrapErrStorage("open", err)
	}
	log.Ctx(ctx).Info("sqlite store opened", zap.String("path", path))
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, merr.WrapErrStorage("begin", err)
	}
	return &sqliteTx{ctx: ctx, tx: tx}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx  context.Context
	tx   *sql.Tx
	done bool
}

func (t *sqliteTx) Get(key string) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.WrapErrIoKeyNotFound(key)
	}
	if err != nil {
		return nil, merr.WrapErrIoFailed(key, err)
	}
	return value, nil
}

func (t *sqliteTx) Put(key string, value []byte) error {
	if t.done {
		return ErrTxDone
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return merr.WrapErrIoFailed(key, err)
}

func (t *sqliteTx) Delete(key string) error {
	if t.done {
		return ErrTxDone
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE key = ?`, key)
	return merr.WrapErrIoFailed(key, err)
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return observe("commit", ErrTxDone)
	}
	t.done = true
	return observe("commit", t.tx.Commit())
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return observe("rollback", t.tx.Rollback())
}
