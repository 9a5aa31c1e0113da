package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	logx "imgdraw/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// pruneEvery is how many new marks pass between expired-mark sweeps.
const pruneEvery = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	marked atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	db, err := OpenSQLiteDB(context.Background(), cfg.Path, cfg.BusyTimeout, migrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendDraw(ctx context.Context, e DrawEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO draw_history(at_ms, work_id, chat, thread, requester, spec, category, item, label, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.WorkID, e.Chat, e.Thread, e.Requester, e.Spec,
		e.Category, e.Item, e.Label, e.Error, e.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentDraws(ctx context.Context, q DrawQuery) ([]DrawEntry, error) {
	var (
		where []string
		args  []any
	)
	if q.Chat != "" {
		where = append(where, "chat = ?")
		args = append(args, q.Chat)
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if !q.Since.IsZero() {
		where = append(where, "at_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	query := `SELECT at_ms, work_id, chat, thread, requester, spec, category, item, label, err, took_ms FROM draw_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DrawEntry
	for rows.Next() {
		var (
			e  DrawEntry
			at int64
		)
		if err := rows.Scan(&at, &e.WorkID, &e.Chat, &e.Thread, &e.Requester, &e.Spec,
			&e.Category, &e.Item, &e.Label, &e.Error, &e.TookMS); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSeen inserts the mark, or renews it only when the old one expired.
// A conflicting unexpired mark leaves zero rows changed.
func (s *sqliteStore) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_marks(key, until_ms) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until_ms = excluded.until_ms
		 WHERE inbound_marks.until_ms <= ?`,
		key, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	if s.marked.Add(1)%pruneEvery == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM inbound_marks WHERE until_ms <= ?`, now.UnixMilli()); err != nil {
			s.log.Debug("expired marks not pruned", logx.Err(err))
		}
	}
	return false, nil
}
