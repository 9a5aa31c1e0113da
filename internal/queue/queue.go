// Package queue carries deferred draw work items. Delivery is at-least-once:
// a received item stays hidden for the visibility timeout and comes back
// unless it is acknowledged.
//
// Drivers:
//   - "memory": in-process heap ordered by visibility (tests, single instance)
//   - "sqlite": queue table polled by visible_at
//   - "azqueue": Azure Storage queue, delay expressed as message visibility
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "imgdraw/pkg/logx"
)

const (
	// MaxDelay is the longest deferral accepted by every driver.
	MaxDelay = 7 * 24 * time.Hour

	DefaultVisibility = 2 * time.Minute
)

var (
	ErrClosed      = errors.New("queue closed")
	ErrBadDelivery = errors.New("delivery does not belong to this queue or is no longer held")
)

// WorkItem is one deferred draw.
type WorkItem struct {
	ID             string `json:"id"`
	Category       string `json:"category"`
	Channel        string `json:"channel"`
	Thread         int    `json:"thread,omitempty"`
	ResponseTarget string `json:"response_target,omitempty"`
	Requester      string `json:"requester"`
	Label          string `json:"label,omitempty"`
}

func (w WorkItem) Encode() (string, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeWorkItem(s string) (WorkItem, error) {
	var w WorkItem
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return WorkItem{}, fmt.Errorf("decode work item: %w", err)
	}
	return w, nil
}

// Delivery is a received item plus the handle needed to settle it.
type Delivery struct {
	Item WorkItem
	// ID and Receipt identify this particular receive; a later receive of the
	// same message gets a new Receipt.
	ID      string
	Receipt string
	// Attempt counts receives including this one.
	Attempt int
}

// Queue is the deferred work-item queue.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem, delay time.Duration) error
	// Receive returns up to limit visible items and hides them for the
	// visibility timeout. It returns an empty slice when nothing is visible.
	Receive(ctx context.Context, limit int) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack makes d visible again after retryAfter.
	Nack(ctx context.Context, d Delivery, retryAfter time.Duration) error
	Close() error
}

// Config configures the queue.
//
// Driver values:
//   - "memory"
//   - "sqlite": Path is the database file
//   - "azqueue": Name on the account given by ConnectionString or ServiceURL
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration

	Name             string
	ServiceURL       string
	ConnectionString string

	// Visibility hides received items; 0 means DefaultVisibility.
	Visibility time.Duration
}

func Open(ctx context.Context, cfg Config, log logx.Logger) (Queue, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibility
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(cfg.Visibility, nil), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "azqueue", "azure":
		return openAzureQueue(ctx, cfg, log)
	default:
		return nil, errors.New("unknown queue driver: " + driver)
	}
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return min(d, MaxDelay)
}
