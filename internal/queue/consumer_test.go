package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "imgdraw/pkg/logx"
)

func TestConsumer_AckOnSuccessAndUserError(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute, newClock().Now)
	require.NoError(t, q.Enqueue(ctx, item("cats", ""), 0))
	require.NoError(t, q.Enqueue(ctx, item("bad", ""), 0))

	c := NewConsumer(q, func(_ context.Context, w WorkItem) error {
		if w.Category == "bad" {
			return errors.New("not a valid category")
		}
		return nil
	}, ConsumerConfig{Batch: 10}, logx.Nop())

	n, err := c.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, Stats{Acked: 1, Dropped: 1}, c.Stats())
}

func TestConsumer_RetryableIsRedelivered(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	q := NewMemory(time.Minute, clk.Now)
	require.NoError(t, q.Enqueue(ctx, item("cats", ""), 0))

	var calls atomic.Int32
	c := NewConsumer(q, func(context.Context, WorkItem) error {
		if calls.Add(1) == 1 {
			return Retryable(errors.New("locked"))
		}
		return nil
	}, ConsumerConfig{RetryBase: 5 * time.Second}, logx.Nop())

	n, err := c.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len())

	n, err = c.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not visible before backoff")

	clk.Advance(5 * time.Second)
	n, err = c.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, Stats{Acked: 1, Retried: 1}, c.Stats())
}

func TestConsumer_DropsAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	q := NewMemory(time.Minute, clk.Now)
	require.NoError(t, q.Enqueue(ctx, item("cats", ""), 0))

	c := NewConsumer(q, func(context.Context, WorkItem) error {
		return RetryAfter(errors.New("locked"), time.Second)
	}, ConsumerConfig{MaxDeliveries: 3}, logx.Nop())
	var dropped []WorkItem
	c.OnDrop(func(_ context.Context, w WorkItem, err error) {
		assert.True(t, IsRetryable(err))
		dropped = append(dropped, w)
	})

	for i := 0; i < 3; i++ {
		n, err := c.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i+1)
		clk.Advance(time.Second)
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, Stats{Retried: 2, Dropped: 1}, c.Stats())
	require.Len(t, dropped, 1)
	assert.Equal(t, "cats", dropped[0].Category)
}

func TestConsumer_PanicIsDropped(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute, newClock().Now)
	require.NoError(t, q.Enqueue(ctx, item("cats", ""), 0))

	c := NewConsumer(q, func(context.Context, WorkItem) error { panic("boom") }, ConsumerConfig{}, logx.Nop())
	_, err := c.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(1), c.Stats().Dropped)
}

func TestConsumer_Backoff(t *testing.T) {
	c := NewConsumer(nil, nil, ConsumerConfig{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}, logx.Nop())
	plain := Retryable(errors.New("x"))
	assert.Equal(t, time.Second, c.backoff(1, plain))
	assert.Equal(t, 2*time.Second, c.backoff(2, plain))
	assert.Equal(t, 4*time.Second, c.backoff(3, plain))
	assert.Equal(t, 5*time.Second, c.backoff(4, plain))
	assert.Equal(t, 5*time.Second, c.backoff(2, RetryAfter(errors.New("x"), time.Hour)))
}

func TestConsumer_StartStop(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute, nil)
	done := make(chan string, 4)
	c := NewConsumer(q, func(_ context.Context, w WorkItem) error {
		done <- w.Label
		return nil
	}, ConsumerConfig{Workers: 2, PollInterval: 5 * time.Millisecond}, logx.Nop())

	c.Start(ctx)
	require.NoError(t, q.Enqueue(ctx, item("cats", "1/2"), 0))
	require.NoError(t, q.Enqueue(ctx, item("cats", "2/2"), 0))

	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case l := <-done:
			got[l] = true
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not process items")
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.Stop(stopCtx))
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}
