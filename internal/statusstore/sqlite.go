package statusstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"imgdraw/internal/status"
	"imgdraw/internal/storage"
	logx "imgdraw/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (VersionedStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("status.path is required for sqlite driver")
	}
	return newSQLite(ctx, path, cfg.BusyTimeout, log)
}

func newSQLite(ctx context.Context, path string, busyTimeout time.Duration, log logx.Logger) (*sqliteStore, error) {
	db, err := storage.OpenSQLiteDB(ctx, path, busyTimeout, schemaSQL)
	if err != nil {
		return nil, fmt.Errorf("open status db: %w", err)
	}
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Exists(ctx context.Context, category string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM status WHERE category = ?`, category).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Create(ctx context.Context, category string, st *status.DirectoryStatus) error {
	b, err := status.Encode(st)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO status(category, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(category) DO NOTHING`,
		category, b, s.now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *sqliteStore) AcquireAndRead(ctx context.Context, category string, lease time.Duration) (*status.DirectoryStatus, Token, error) {
	now := s.now()
	token := Token(uuid.NewString())
	res, err := s.db.ExecContext(ctx,
		`UPDATE status SET lease_token = ?, lease_until = ?
		 WHERE category = ? AND (lease_token IS NULL OR lease_until <= ?)`,
		string(token), now.Add(lease).UnixMilli(), category, now.UnixMilli(),
	)
	if err != nil {
		return nil, "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := s.Exists(ctx, category)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", ErrNotFound
		}
		return nil, "", ErrLocked
	}

	var body []byte
	err = s.db.QueryRowContext(ctx, `SELECT body FROM status WHERE category = ? AND lease_token = ?`, category, string(token)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		// deleted between the update and the read
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	st, err := status.Decode(body)
	if err != nil {
		_ = s.Release(ctx, category, token)
		return nil, "", fmt.Errorf("decode status %s: %w", category, err)
	}
	return st, token, nil
}

func (s *sqliteStore) Write(ctx context.Context, category string, st *status.DirectoryStatus, token Token) error {
	if token == "" {
		return ErrLeaseExpiredOrStale
	}
	b, err := status.Encode(st)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE status SET body = ?, version = version + 1, updated_at = ?
		 WHERE category = ? AND lease_token = ? AND lease_until > ?`,
		b, now, category, string(token), now,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseExpiredOrStale
	}
	return nil
}

func (s *sqliteStore) Release(ctx context.Context, category string, token Token) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE status SET lease_token = NULL, lease_until = 0 WHERE category = ? AND lease_token = ?`,
		category, string(token),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, category string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM status WHERE category = ?`, category)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Read(ctx context.Context, category string) (*status.DirectoryStatus, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM status WHERE category = ?`, category).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return status.Decode(body)
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category FROM status ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
