package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGo_CancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(context.Context) error { return errors.New("boom") })
	s.Go0("waits", func(ctx context.Context) { <-ctx.Done() })

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "fails: boom") {
		t.Fatalf("Wait = %v, want fails: boom", err)
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("panics", func(context.Context) error { panic("oops") })

	err := s.Wait(waitCtx(t))
	if err == nil || !strings.Contains(err.Error(), "panic in panics") {
		t.Fatalf("Wait = %v, want recovered panic", err)
	}
	// without cancel-on-error the context stays live
	if err := s.Context().Err(); err != nil {
		t.Fatalf("context canceled: %v", err)
	}
	s.Cancel()
}

func TestGoRestart(t *testing.T) {
	cases := []struct {
		name    string
		okAfter int32 // 0 never succeeds
		opts    []RestartOption
		wantErr string
		runs    int32
	}{
		{
			name:    "retries then stops on clean exit",
			okAfter: 3,
			opts:    []RestartOption{WithRestartBackoff(time.Millisecond, 5*time.Millisecond)},
			runs:    3,
		},
		{
			name:    "gives up after max restarts",
			opts:    []RestartOption{WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2)},
			wantErr: "broken: down",
			runs:    3,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(context.Background())
			var runs atomic.Int32
			s.GoRestart("broken", func(context.Context) error {
				if n := runs.Add(1); tc.okAfter > 0 && n >= tc.okAfter {
					return nil
				}
				return errors.New("down")
			}, tc.opts...)

			err := s.Wait(waitCtx(t))
			switch {
			case tc.wantErr == "" && err != nil:
				t.Fatalf("Wait = %v", err)
			case tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)):
				t.Fatalf("Wait = %v, want %q", err, tc.wantErr)
			}
			if got := runs.Load(); got != tc.runs {
				t.Fatalf("ran %d times, want %d", got, tc.runs)
			}
		})
	}
}

func TestStop_WaitsForGoroutines(t *testing.T) {
	s := New(context.Background())
	var stopped atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	})
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped.Load() {
		t.Fatalf("goroutine did not observe cancellation")
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters = %+v", c)
	}
}
