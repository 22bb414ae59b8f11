package storage

import (
	"context"
	"errors"
	"strings"

	logx "notifrelay/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (KV, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "":
		return nil, errors.New("storage driver is required")
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg.Redis, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
