// Package statusstore persists per-category DirectoryStatus records behind a
// lease protocol: a record is acquired for a bounded time, written back with
// the lease token, and released.
//
// Drivers:
//   - "memory": in-process map (tests, single instance)
//   - "sqlite": SQLite database file
//   - "azblob": one JSON blob per category, guarded by Azure blob leases
package statusstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"imgdraw/internal/status"
	logx "imgdraw/pkg/logx"
)

// LeaseDuration covers one draw-and-write cycle and bounds blocking after a crash.
const LeaseDuration = 45 * time.Second

var (
	ErrNotFound            = errors.New("status record not found")
	ErrAlreadyExists       = errors.New("status record already exists")
	ErrLocked              = errors.New("status record is leased by another worker")
	ErrLeaseExpiredOrStale = errors.New("status lease expired or stale")
)

// Token identifies a held lease. The zero value is "no lease".
type Token string

// VersionedStore is the optimistic-concurrency contract used by the sampler
// and the rescan sweep.
type VersionedStore interface {
	Exists(ctx context.Context, category string) (bool, error)
	// Create fails with ErrAlreadyExists when a record is present.
	Create(ctx context.Context, category string, st *status.DirectoryStatus) error
	// AcquireAndRead fails with ErrNotFound or ErrLocked.
	AcquireAndRead(ctx context.Context, category string, lease time.Duration) (*status.DirectoryStatus, Token, error)
	// Write fails with ErrLeaseExpiredOrStale when token no longer holds the lease.
	Write(ctx context.Context, category string, st *status.DirectoryStatus, token Token) error
	// Release is best-effort; an unreleased lease expires on its own.
	Release(ctx context.Context, category string, token Token) error
	// Delete is idempotent and reports whether a record was removed.
	Delete(ctx context.Context, category string) (bool, error)
	// Read returns an unleased snapshot for reporting.
	Read(ctx context.Context, category string) (*status.DirectoryStatus, error)
	// List returns the categories that have a record.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Config configures the status store.
//
// Driver values:
//   - "memory"
//   - "sqlite": Path is the database file
//   - "azblob": Container holds "<category>.json" records
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Container        string
	ServiceURL       string
	ConnectionString string
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (VersionedStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(nil), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "azblob", "azure":
		return openAzureBlob(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown status store driver: %s", driver)
	}
}

// IsTransient reports whether err is a lease conflict that is safe to retry
// by re-running the whole operation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrLocked) || errors.Is(err, ErrLeaseExpiredOrStale)
}
