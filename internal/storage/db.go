package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLiteDB opens a SQLite database with the pragmas every driver in
// this module expects and runs schema against it. ":memory:" is allowed.
func OpenSQLiteDB(ctx context.Context, path string, busyTimeout time.Duration, schema string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if schema != "" {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return db, nil
}
