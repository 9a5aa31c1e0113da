package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMsg struct {
	id        string
	seq       uint64
	item      WorkItem
	visibleAt time.Time
	receipt   string
	attempts  int
}

// Memory is an in-process Queue.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	visibility time.Duration
	seq        uint64
	msgs       map[string]*memMsg
	closed     bool
}

// NewMemory returns an empty queue. now defaults to time.Now.
func NewMemory(visibility time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Memory{now: now, visibility: visibility, msgs: map[string]*memMsg{}}
}

func (m *Memory) Enqueue(ctx context.Context, item WorkItem, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	m.seq++
	id := uuid.NewString()
	m.msgs[id] = &memMsg{id: id, seq: m.seq, item: item, visibleAt: m.now().Add(clampDelay(delay))}
	return nil
}

func (m *Memory) Receive(ctx context.Context, limit int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 1
	}
	now := m.now()
	var ready []*memMsg
	for _, msg := range m.msgs {
		if !msg.visibleAt.After(now) {
			ready = append(ready, msg)
		}
	}
	slices.SortFunc(ready, func(a, b *memMsg) int {
		if c := a.visibleAt.Compare(b.visibleAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]Delivery, 0, len(ready))
	for _, msg := range ready {
		msg.attempts++
		msg.receipt = uuid.NewString()
		msg.visibleAt = now.Add(m.visibility)
		out = append(out, Delivery{Item: msg.item, ID: msg.id, Receipt: msg.receipt, Attempt: msg.attempts})
	}
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[d.ID]
	if !ok || msg.receipt != d.Receipt {
		return ErrBadDelivery
	}
	delete(m.msgs, d.ID)
	return nil
}

func (m *Memory) Nack(ctx context.Context, d Delivery, retryAfter time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[d.ID]
	if !ok || msg.receipt != d.Receipt {
		return ErrBadDelivery
	}
	msg.receipt = ""
	msg.visibleAt = m.now().Add(clampDelay(retryAfter))
	return nil
}

// Len counts queued items, visible or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// Pending returns every queued item with its remaining delay, soonest first.
func (m *Memory) Pending() []PendingItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]PendingItem, 0, len(m.msgs))
	for _, msg := range m.msgs {
		out = append(out, PendingItem{Item: msg.item, Delay: max(msg.visibleAt.Sub(now), 0), seq: msg.seq})
	}
	slices.SortFunc(out, func(a, b PendingItem) int {
		if c := cmp.Compare(a.Delay, b.Delay); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// PendingItem is a queued item as seen by Memory.Pending.
type PendingItem struct {
	Item  WorkItem
	Delay time.Duration
	seq   uint64
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
