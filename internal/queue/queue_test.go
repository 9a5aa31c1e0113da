package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "imgdraw/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

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

func drivers(t *testing.T) map[string]func(*fakeClock) Queue {
	return map[string]func(*fakeClock) Queue{
		"memory": func(clk *fakeClock) Queue { return NewMemory(time.Minute, clk.Now) },
		"sqlite": func(clk *fakeClock) Queue {
			q, err := Open(context.Background(), Config{
				Driver:     "sqlite",
				Path:       filepath.Join(t.TempDir(), "queue.db"),
				Visibility: time.Minute,
			}, logx.Nop())
			require.NoError(t, err)
			q.(*sqliteQueue).now = clk.Now
			t.Cleanup(func() { _ = q.Close() })
			return q
		},
	}
}

func item(cat, label string) WorkItem {
	return WorkItem{Category: cat, Channel: "-100", Requester: "alice", Label: label}
}

func TestQueue_DelayAndOrder(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := newClock()
			q := mk(clk)

			require.NoError(t, q.Enqueue(ctx, item("cats", "2/2"), 2*time.Minute))
			require.NoError(t, q.Enqueue(ctx, item("cats", "1/2"), 0))

			ds, err := q.Receive(ctx, 10)
			require.NoError(t, err)
			require.Len(t, ds, 1)
			assert.Equal(t, "1/2", ds[0].Item.Label)
			assert.NotEmpty(t, ds[0].Item.ID, "enqueue assigns an id")
			assert.Equal(t, 1, ds[0].Attempt)
			require.NoError(t, q.Ack(ctx, ds[0]))

			clk.Advance(2 * time.Minute)
			ds, err = q.Receive(ctx, 10)
			require.NoError(t, err)
			require.Len(t, ds, 1)
			assert.Equal(t, "2/2", ds[0].Item.Label)
			require.NoError(t, q.Ack(ctx, ds[0]))

			ds, err = q.Receive(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, ds)
		})
	}
}

func TestQueue_VisibilityRedelivers(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := newClock()
			q := mk(clk)
			require.NoError(t, q.Enqueue(ctx, item("dogs", ""), 0))

			first, err := q.Receive(ctx, 1)
			require.NoError(t, err)
			require.Len(t, first, 1)

			ds, err := q.Receive(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, ds, "hidden while held")

			clk.Advance(time.Minute)
			second, err := q.Receive(ctx, 1)
			require.NoError(t, err)
			require.Len(t, second, 1)
			assert.Equal(t, 2, second[0].Attempt)
			assert.Equal(t, first[0].Item, second[0].Item)

			assert.ErrorIs(t, q.Ack(ctx, first[0]), ErrBadDelivery, "stale receipt")
			require.NoError(t, q.Ack(ctx, second[0]))
		})
	}
}

func TestQueue_Nack(t *testing.T) {
	for name, mk := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk := newClock()
			q := mk(clk)
			require.NoError(t, q.Enqueue(ctx, item("dogs", ""), 0))

			ds, err := q.Receive(ctx, 1)
			require.NoError(t, err)
			require.Len(t, ds, 1)
			require.NoError(t, q.Nack(ctx, ds[0], 10*time.Second))

			got, err := q.Receive(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, got)

			clk.Advance(10 * time.Second)
			got, err = q.Receive(ctx, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 2, got[0].Attempt)
		})
	}
}

func TestOpen_Drivers(t *testing.T) {
	q, err := Open(context.Background(), Config{}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, q)

	_, err = Open(context.Background(), Config{Driver: "sqs"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "azqueue"}, logx.Nop())
	assert.Error(t, err)
}

func TestMemory_PendingAndClamp(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	q := NewMemory(time.Minute, clk.Now)
	require.NoError(t, q.Enqueue(ctx, item("a", "2/2"), 30*24*time.Hour))
	require.NoError(t, q.Enqueue(ctx, item("a", "1/2"), time.Hour))

	p := q.Pending()
	require.Len(t, p, 2)
	assert.Equal(t, "1/2", p[0].Item.Label)
	assert.Equal(t, MaxDelay, p[1].Delay)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(ctx, item("a", ""), 0), ErrClosed)
}

func TestRetryable(t *testing.T) {
	base := errors.New("locked")
	assert.Nil(t, Retryable(nil))
	assert.False(t, IsRetryable(base))

	err := Retryable(base)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, base)
	_, ok := RetryDelay(err)
	assert.False(t, ok)

	err = RetryAfter(base, 3*time.Second)
	assert.True(t, IsRetryable(err))
	d, ok := RetryDelay(err)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
}

func TestWorkItem_WireShape(t *testing.T) {
	s, err := WorkItem{ID: "x", Category: "cats", Channel: "-100", Thread: 7, ResponseTarget: "42", Requester: "bob, timer 1/3", Label: "1/3"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x","category":"cats","channel":"-100","thread":7,"response_target":"42","requester":"bob, timer 1/3","label":"1/3"}`, s)

	w, err := DecodeWorkItem(decodeIfBase64("eyJpZCI6InkiLCJjYXRlZ29yeSI6ImRvZ3MifQ=="))
	require.NoError(t, err)
	assert.Equal(t, "dogs", w.Category)
}

func TestValueOr(t *testing.T) {
	var count int64 = 3
	assert.Equal(t, int64(3), valueOr(&count, 1))
	assert.Equal(t, int64(1), valueOr[int64](nil, 1))
	assert.Equal(t, "", valueOr[string](nil, ""))
}
