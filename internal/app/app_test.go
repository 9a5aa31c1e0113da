package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgdraw/internal/config"
	"imgdraw/internal/objstore"
	"imgdraw/internal/queue"
	rtsup "imgdraw/internal/runtime/supervisor"
	"imgdraw/internal/statusstore"
	kit "imgdraw/internal/transport"
	logx "imgdraw/pkg/logx"
)

type sentText struct {
	to   kit.ChatTarget
	text string
}

type fakeOut struct {
	mu     sync.Mutex
	texts  []sentText
	photos []kit.Photo
}

func (f *fakeOut) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeOut) SendPhoto(_ context.Context, to kit.ChatTarget, p kit.Photo) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, p)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeOut) sent() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func mustConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("imgdraw.json", []byte(body))
	require.NoError(t, err)
	return cfg
}

// newTestApp builds an App over in-memory stores without a Telegram adapter.
func newTestApp(t *testing.T, cfg *config.Config) (*App, *fakeOut) {
	t.Helper()
	core := &Core{
		Config:  cfg,
		Log:     logx.Nop(),
		Status:  statusstore.NewMemory(nil),
		Objects: objstore.NewMemory("cats/a.jpg", "cats/b.jpg", "dogs/x.jpg"),
		Queue:   queue.NewMemory(time.Minute, nil),
	}
	core.assemble(nil)

	logs, _ := logx.New(logx.Config{Level: "error"}, nil)
	t.Cleanup(func() { _ = logs.Close() })

	out := &fakeOut{}
	a := &App{log: logx.Nop(), logs: logs, core: core}
	a.cfg.Store(cfg)
	a.wire(out)
	return a, out
}

func TestScheduledRescan_PostsReportToNotifyChat(t *testing.T) {
	a, out := newTestApp(t, mustConfig(t, `{"telegram":{"notify_chat":-5,"notify_thread":2}}`))
	ctx := context.Background()

	a.scheduledRescan(ctx)
	sent := out.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, kit.ChatTarget{ChatID: -5, ThreadID: 2}, sent[0].to)
	assert.True(t, strings.HasPrefix(sent[0].text, "<pre>CATEGORY"))
	assert.Contains(t, sent[0].text, "cats")
	assert.Contains(t, sent[0].text, "dogs")

	// nothing changed since: no post
	a.scheduledRescan(ctx)
	assert.Len(t, out.sent(), 1)
}

func TestScheduledRescan_NoNotifyChat(t *testing.T) {
	a, out := newTestApp(t, mustConfig(t, `{}`))
	a.scheduledRescan(context.Background())
	assert.Empty(t, out.sent())

	// the sweep still ran
	ok, err := a.core.Status.Exists(context.Background(), "cats")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyConfig_OwnersAndLogging(t *testing.T) {
	a, out := newTestApp(t, mustConfig(t, `{}`))
	ctx := context.Background()
	from := kit.Message{ID: 1, ChatID: 9, FromID: 5, Text: "!rescan"}

	require.NoError(t, a.router.Handle(ctx, from))
	require.Len(t, out.sent(), 1)
	assert.Contains(t, out.sent()[0].text, "CATEGORY")

	next := mustConfig(t, `{"telegram":{"owner_user_ids":[1]},"logging":{"level":"warn"}}`)
	a.applyConfig(next)
	assert.Same(t, next, a.current())

	require.NoError(t, a.router.Handle(ctx, from))
	require.Len(t, out.sent(), 2)
	assert.Contains(t, out.sent()[1].text, "Only the bot owners")

	// republishing the same config is a no-op
	a.applyConfig(next)
	assert.Same(t, next, a.current())
}

func TestNewJobs(t *testing.T) {
	a, _ := newTestApp(t, mustConfig(t, `{"keepalive":{"enabled":true}}`))
	c, err := a.newJobs(context.Background(), a.current())
	require.NoError(t, err)
	// rescan plus the two default keepalive schedules
	assert.Len(t, c.Entries(), 3)

	cfg := mustConfig(t, `{"rescan":{"disabled":true}}`)
	c, err = a.newJobs(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, c.Entries())
}

func TestWorkItemsAreDelivered(t *testing.T) {
	a, out := newTestApp(t, mustConfig(t, `{}`))
	ctx := context.Background()

	require.NoError(t, a.router.Handle(ctx, kit.Message{ID: 3, ChatID: 9, FromID: 5, FromUsername: "bob", Text: "cats"}))
	assert.Empty(t, out.sent())

	n, err := a.consumer.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.photos, 1)
	assert.Contains(t, out.photos[0].Caption, "@bob")
	assert.Contains(t, out.photos[0].Caption, "cats/")
}

func TestOpenCore_Memory(t *testing.T) {
	cfg := mustConfig(t, `{"objects":{"driver":"memory"},"storage":{"driver":"file","path":"`+filepath.Join(t.TempDir(), "history.json")+`"}}`)
	core, err := OpenCore(context.Background(), cfg, nil, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, core.History)
	require.NotNil(t, core.Dispatcher)

	text, err := core.Dispatcher.StatusTable(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, text)
	assert.NoError(t, core.Close())
}

func TestReasonForSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, ReasonForSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonForSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonForSignal(syscall.SIGHUP))
}

func TestStop_ReportsGoroutines(t *testing.T) {
	a, _ := newTestApp(t, mustConfig(t, `{}`))
	var buf bytes.Buffer
	a.log = logx.NewWriter(&buf, "info")
	a.sup = rtsup.New(context.Background())
	a.sup.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))

	out := buf.String()
	assert.Contains(t, out, `"reason":"sigterm"`)
	assert.Contains(t, out, `"goroutines":1`)
	assert.Contains(t, out, `"still_running":0`)
}
