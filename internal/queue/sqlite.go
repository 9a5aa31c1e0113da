package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"imgdraw/internal/storage"
	logx "imgdraw/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	body          TEXT NOT NULL,
	visible_at    INTEGER NOT NULL,
	receipt       TEXT,
	dequeue_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_visible_at ON queue(visible_at);
`

type sqliteQueue struct {
	db         *sql.DB
	log        logx.Logger
	visibility time.Duration
	now        func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Queue, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue.path is required for sqlite driver")
	}
	db, err := storage.OpenSQLiteDB(ctx, cfg.Path, cfg.BusyTimeout, sqliteSchema)
	if err != nil {
		return nil, err
	}
	return &sqliteQueue{db: db, log: log, visibility: cfg.Visibility, now: time.Now}, nil
}

func (q *sqliteQueue) Enqueue(ctx context.Context, item WorkItem, delay time.Duration) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	body, err := item.Encode()
	if err != nil {
		return err
	}
	now := q.now()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue(id, body, visible_at, enqueued_at) VALUES(?,?,?,?)`,
		uuid.NewString(), body, now.Add(clampDelay(delay)).UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (q *sqliteQueue) Receive(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	now := q.now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, body, dequeue_count FROM queue
		 WHERE visible_at <= ? ORDER BY visible_at, seq LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	type row struct {
		id, body string
		count    int
	}
	var got []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.body, &r.count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		got = append(got, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	out := make([]Delivery, 0, len(got))
	hideUntil := now.Add(q.visibility).UnixMilli()
	for _, r := range got {
		receipt := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue SET receipt = ?, visible_at = ?, dequeue_count = dequeue_count + 1 WHERE id = ?`,
			receipt, hideUntil, r.id,
		); err != nil {
			return nil, err
		}
		item, err := DecodeWorkItem(r.body)
		if err != nil {
			// Poison message: drop it rather than redeliver forever.
			q.log.Error("dropping undecodable queue message", logx.String("id", r.id), logx.Err(err))
			if _, derr := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, r.id); derr != nil {
				return nil, derr
			}
			continue
		}
		out = append(out, Delivery{Item: item, ID: r.id, Receipt: receipt, Attempt: r.count + 1})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *sqliteQueue) Ack(ctx context.Context, d Delivery) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ? AND receipt = ?`, d.ID, d.Receipt)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (q *sqliteQueue) Nack(ctx context.Context, d Delivery, retryAfter time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue SET receipt = NULL, visible_at = ? WHERE id = ? AND receipt = ?`,
		q.now().Add(clampDelay(retryAfter)).UnixMilli(), d.ID, d.Receipt,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (q *sqliteQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBadDelivery
	}
	return nil
}
