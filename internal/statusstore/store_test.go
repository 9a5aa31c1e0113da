package statusstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgdraw/internal/status"
	logx "imgdraw/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// drivers returns every store driver that runs without external services,
// each bound to the same fake clock.
func drivers(t *testing.T, clk *fakeClock) map[string]VersionedStore {
	t.Helper()
	sq, err := newSQLite(context.Background(), ":memory:", 0, logx.Nop())
	require.NoError(t, err)
	sq.now = clk.Now
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]VersionedStore{
		"memory": NewMemory(clk.Now),
		"sqlite": sq,
	}
}

func TestStore_CreateReadList(t *testing.T) {
	for name, s := range drivers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.Exists(ctx, "cats")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Read(ctx, "cats")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Create(ctx, "cats", status.Seeded([]string{"cats/a.jpg", "cats/b.jpg"})))
			assert.ErrorIs(t, s.Create(ctx, "cats", status.New()), ErrAlreadyExists)

			ok, err = s.Exists(ctx, "cats")
			require.NoError(t, err)
			assert.True(t, ok)

			st, err := s.Read(ctx, "cats")
			require.NoError(t, err)
			assert.Equal(t, status.Counts{Unseen: 2}, st.Counts())

			require.NoError(t, s.Create(ctx, "dogs", status.New()))
			names, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"cats", "dogs"}, names)
		})
	}
}

func TestStore_LeaseCycle(t *testing.T) {
	for name, s := range drivers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, "cats", status.Seeded([]string{"cats/a.jpg"})))

			st, tok, err := s.AcquireAndRead(ctx, "cats", LeaseDuration)
			require.NoError(t, err)
			require.NotEmpty(t, tok)

			_, _, err = s.AcquireAndRead(ctx, "cats", LeaseDuration)
			assert.ErrorIs(t, err, ErrLocked)

			st.MarkSeen("cats/a.jpg")
			require.NoError(t, s.Write(ctx, "cats", st, tok))
			require.NoError(t, s.Release(ctx, "cats", tok))

			got, err := s.Read(ctx, "cats")
			require.NoError(t, err)
			assert.Equal(t, status.Counts{Seen: 1}, got.Counts())

			// released: can be taken again
			_, tok2, err := s.AcquireAndRead(ctx, "cats", LeaseDuration)
			require.NoError(t, err)
			assert.NotEqual(t, tok, tok2)
			require.NoError(t, s.Release(ctx, "cats", tok2))
		})
	}
}

func TestStore_StaleTokenRejected(t *testing.T) {
	for name, s := range drivers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, "cats", status.New()))

			assert.ErrorIs(t, s.Write(ctx, "cats", status.New(), ""), ErrLeaseExpiredOrStale)
			assert.ErrorIs(t, s.Write(ctx, "cats", status.New(), "bogus"), ErrLeaseExpiredOrStale)

			_, tok, err := s.AcquireAndRead(ctx, "cats", LeaseDuration)
			require.NoError(t, err)
			require.NoError(t, s.Release(ctx, "cats", tok))
			assert.ErrorIs(t, s.Write(ctx, "cats", status.New(), tok), ErrLeaseExpiredOrStale)
		})
	}
}

func TestStore_LeaseExpires(t *testing.T) {
	clk := newClock()
	for name, s := range drivers(t, clk) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, "cats", status.New()))

			_, tok, err := s.AcquireAndRead(ctx, "cats", LeaseDuration)
			require.NoError(t, err)

			clk.Advance(LeaseDuration + time.Second)

			_, tok2, err := s.AcquireAndRead(ctx, "cats", LeaseDuration)
			require.NoError(t, err, "expired lease must not block")

			assert.ErrorIs(t, s.Write(ctx, "cats", status.New(), tok), ErrLeaseExpiredOrStale)
			require.NoError(t, s.Write(ctx, "cats", status.New(), tok2))
		})
	}
}

func TestStore_AcquireMissing(t *testing.T) {
	for name, s := range drivers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.AcquireAndRead(context.Background(), "nope", LeaseDuration)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	for name, s := range drivers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, "cats", status.New()))

			removed, err := s.Delete(ctx, "cats")
			require.NoError(t, err)
			assert.True(t, removed)

			removed, err = s.Delete(ctx, "cats")
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestStore_ConcurrentAcquireIsExclusive(t *testing.T) {
	for name, s := range drivers(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, "cats", status.New()))

			const n = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				winners int
				locked  int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _, err := s.AcquireAndRead(ctx, "cats", LeaseDuration)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						winners++
					case errors.Is(err, ErrLocked):
						locked++
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, winners)
			assert.Equal(t, n-1, locked)
		})
	}
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(ctx, Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "azblob"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "redis"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown status store driver")
}

func TestOpen_SQLiteFileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "status.db")

	s, err := Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, "cats", status.Seeded([]string{"cats/a.jpg"})))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	cats, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cats"}, cats)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrLocked))
	assert.True(t, IsTransient(ErrLeaseExpiredOrStale))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(nil))
}

func TestValueOr(t *testing.T) {
	id := "lease-1"
	assert.Equal(t, Token("lease-1"), Token(valueOr(&id, "")))
	assert.Equal(t, Token(""), Token(valueOr[string](nil, "")))
}
