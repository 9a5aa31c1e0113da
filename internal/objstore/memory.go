package objstore

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. It counts ItemExists calls so tests can
// observe self-heal behaviour.
type Memory struct {
	mu     sync.Mutex
	items  map[string]struct{}
	checks int
}

func NewMemory(ids ...string) *Memory {
	m := &Memory{items: map[string]struct{}{}}
	m.Put(ids...)
	return m
}

func (m *Memory) Put(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.items[strings.TrimPrefix(id, "/")] = struct{}{}
	}
}

func (m *Memory) Remove(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.items, strings.TrimPrefix(id, "/"))
	}
}

// Checks returns how many ItemExists calls were made.
func (m *Memory) Checks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks
}

func (m *Memory) ListCategories(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	for id := range m.items {
		if c := CategoryOf(id); c != "" {
			seen[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListItems(ctx context.Context, category string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := category + "/"
	var out []string
	for id := range m.items {
		if directChild(prefix, id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ItemExists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	_, ok := m.items[strings.TrimPrefix(id, "/")]
	return ok, nil
}

func (m *Memory) SignedURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	u := url.URL{Scheme: "memory", Path: "/" + strings.TrimPrefix(id, "/")}
	return u.String(), nil
}

func (m *Memory) Close() error { return nil }
