package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrEmptyKey = errors.New("storage: empty key")
)

// KV is the persistence contract: durable once Put returns.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) error
	// Scan returns every entry whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}

// Compactor is implemented by drivers that can fold their journal.
type Compactor interface {
	Compact(ctx context.Context) error
}

type Entry struct {
	Key   string
	Value []byte
}

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": journal + snapshot next to Path
//   - "sqlite": SQLite database file at Path
//   - "redis": server at Redis.URL
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery folds the file journal after that many writes. 0 means 1000.
	CompactEvery int
	// NoSync skips fsync after each file journal append.
	NoSync bool
	Redis  RedisConfig
}

type RedisConfig struct {
	URL            string
	Password       string
	Prefix         string
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration
}
