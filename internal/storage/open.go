package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "autoelect/pkg/logx"
)

// Store is the persistence API used by the app and the notifier.
type Store interface {
	AppendAttempt(ctx context.Context, e AttemptEntry) error
	// Recent returns up to limit attempts, newest first.
	Recent(ctx context.Context, limit int) ([]AttemptEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open returns the store named by cfg.Driver, or (nil, nil) when storage is off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var open func(string, Config, logx.Logger) (Store, error)
	switch driver {
	case "", "none":
		return nil, nil
	case "file":
		open = openFile
	case "sqlite", "sqlite3":
		open = openSQLite
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("storage: %s driver needs storage.path", driver)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(path, cfg, log.With(logx.String("comp", "storage"), logx.String("driver", driver)))
}
