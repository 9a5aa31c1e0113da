package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "imgdraw/pkg/logx"
)

// Store keeps the draw history and the inbound dedup marks.
type Store interface {
	AppendDraw(ctx context.Context, e DrawEntry) error
	// RecentDraws returns matching entries, newest first.
	RecentDraws(ctx context.Context, q DrawQuery) ([]DrawEntry, error)
	// MarkSeen records key for ttl. It reports true when key was already
	// marked and the mark has not expired; the mark is then left alone.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Seen is MarkSeen on a store that may be disabled. A nil store and an
// empty key never report duplicates.
func Seen(ctx context.Context, s Store, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if s == nil || key == "" {
		return false, nil
	}
	return s.MarkSeen(ctx, key, ttl)
}
