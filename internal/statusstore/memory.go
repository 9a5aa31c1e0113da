package statusstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"imgdraw/internal/status"
)

type memRecord struct {
	body       []byte
	token      Token
	leaseUntil time.Time
}

// Memory is an in-process VersionedStore with the same lease semantics as the
// persistent drivers. Records are stored encoded so callers never share sets.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]*memRecord
}

// NewMemory returns an empty store. now may be nil (time.Now).
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, records: map[string]*memRecord{}}
}

func (m *Memory) Exists(ctx context.Context, category string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[category]
	return ok, nil
}

func (m *Memory) Create(ctx context.Context, category string, st *status.DirectoryStatus) error {
	b, err := status.Encode(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[category]; ok {
		return ErrAlreadyExists
	}
	m.records[category] = &memRecord{body: b}
	return nil
}

func (m *Memory) AcquireAndRead(ctx context.Context, category string, lease time.Duration) (*status.DirectoryStatus, Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[category]
	if !ok {
		return nil, "", ErrNotFound
	}
	now := m.now()
	if rec.token != "" && now.Before(rec.leaseUntil) {
		return nil, "", ErrLocked
	}
	st, err := status.Decode(rec.body)
	if err != nil {
		return nil, "", err
	}
	rec.token = Token(uuid.NewString())
	rec.leaseUntil = now.Add(lease)
	return st, rec.token, nil
}

func (m *Memory) Write(ctx context.Context, category string, st *status.DirectoryStatus, token Token) error {
	b, err := status.Encode(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[category]
	if !ok || token == "" || rec.token != token || !m.now().Before(rec.leaseUntil) {
		return ErrLeaseExpiredOrStale
	}
	rec.body = b
	return nil
}

func (m *Memory) Release(ctx context.Context, category string, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[category]
	if !ok || rec.token != token {
		return nil
	}
	rec.token = ""
	rec.leaseUntil = time.Time{}
	return nil
}

func (m *Memory) Delete(ctx context.Context, category string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[category]
	delete(m.records, category)
	return ok, nil
}

func (m *Memory) Read(ctx context.Context, category string) (*status.DirectoryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[category]
	if !ok {
		return nil, ErrNotFound
	}
	return status.Decode(rec.body)
}

func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for k := range m.records {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
