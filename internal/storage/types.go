package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultHistoryLimit is the RecentDraws page size when a query sets none.
const DefaultHistoryLimit = 10

// Config configures storage.
//
// Driver values:
//   - "file": two JSON Lines files next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DrawEntry records one answered work item. Error is set when the item was
// refused or abandoned instead of delivered.
type DrawEntry struct {
	At        time.Time `json:"at"`
	WorkID    string    `json:"work_id"`
	Chat      string    `json:"chat"`
	Thread    int       `json:"thread,omitempty"`
	Requester string    `json:"requester"`
	Spec      string    `json:"spec"`
	Category  string    `json:"category,omitempty"`
	Item      string    `json:"item,omitempty"`
	Label     string    `json:"label,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

func (e DrawEntry) Delivered() bool { return e.Error == "" && e.Item != "" }

// DrawQuery selects history entries. Zero fields match everything.
type DrawQuery struct {
	Chat     string
	Category string
	Since    time.Time
	Limit    int
}

func (q DrawQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultHistoryLimit
	}
	return q.Limit
}

func (q DrawQuery) match(e DrawEntry) bool {
	if q.Chat != "" && e.Chat != q.Chat {
		return false
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	return q.Since.IsZero() || !e.At.Before(q.Since)
}
