package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"imgdraw/internal/command"
	"imgdraw/internal/dispatch"
	kit "imgdraw/internal/transport"
	logx "imgdraw/pkg/logx"
)

type sentText struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

type fakeOut struct {
	mu     sync.Mutex
	texts  []sentText
	photos []kit.Photo
}

func (f *fakeOut) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := kit.SendOptions{}
	if opt != nil {
		o = *opt
	}
	f.texts = append(f.texts, sentText{to: to, text: text, opt: o})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
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

type fakeHandler struct {
	mu    sync.Mutex
	reqs  []dispatch.Request
	reply dispatch.Reply
	err   error
	panic bool
}

func (h *fakeHandler) HandleCommand(_ context.Context, req dispatch.Request) (dispatch.Reply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panic {
		panic("boom")
	}
	h.reqs = append(h.reqs, req)
	return h.reply, h.err
}

func (h *fakeHandler) calls() []dispatch.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]dispatch.Request(nil), h.reqs...)
}

func testLogger() logx.Logger { return logx.Nop() }

func msg(from int64, text string) kit.Message {
	return kit.Message{ID: 11, ChatID: -100, ThreadID: 3, FromID: from, FromUsername: "alice", Text: text}
}

func TestHandle_PassesRequestAndReplies(t *testing.T) {
	h := &fakeHandler{reply: dispatch.Reply{Text: "use `!reset cats` <now>"}}
	out := &fakeOut{}
	r := New(h, HTMLSender{Next: out}, Config{}, testLogger())

	if err := r.Handle(context.Background(), msg(5, "cats")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	calls := h.calls()
	want := dispatch.Request{
		Text:      "cats",
		Chat:      kit.ChatTarget{ChatID: -100, ThreadID: 3},
		MessageID: 11,
		Requester: "@alice",
	}
	if len(calls) != 1 || calls[0] != want {
		t.Fatalf("handler calls = %+v, want [%+v]", calls, want)
	}

	sent := out.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sent))
	}
	if sent[0].text != "use <code>!reset cats</code> &lt;now&gt;" {
		t.Fatalf("reply text = %q", sent[0].text)
	}
	if sent[0].opt.ParseMode != "HTML" || sent[0].opt.ReplyTo != 11 {
		t.Fatalf("reply options = %+v", sent[0].opt)
	}
}

func TestHandle_EmptyReplyPostsNothing(t *testing.T) {
	h := &fakeHandler{}
	out := &fakeOut{}
	r := New(h, out, Config{}, testLogger())
	if err := r.Handle(context.Background(), msg(5, "")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := len(out.sent()); n != 0 {
		t.Fatalf("posted %d messages for an empty reply", n)
	}
}

func TestHandle_PreReplyIsChunked(t *testing.T) {
	line := strings.Repeat("x", 100)
	var lines []string
	for range 60 {
		lines = append(lines, line)
	}
	h := &fakeHandler{reply: dispatch.Reply{Text: strings.Join(lines, "\n"), Pre: true}}
	out := &fakeOut{}
	r := New(h, out, Config{}, testLogger())

	if err := r.Handle(context.Background(), msg(5, "status")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sent := out.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(sent))
	}
	for i, s := range sent {
		if !strings.HasPrefix(s.text, "<pre>") || !strings.HasSuffix(s.text, "</pre>") {
			t.Fatalf("chunk %d not wrapped in pre", i)
		}
		if s.opt.ParseMode != "HTML" {
			t.Fatalf("chunk %d parse mode = %q", i, s.opt.ParseMode)
		}
		wantReply := 0
		if i == 0 {
			wantReply = 11
		}
		if s.opt.ReplyTo != wantReply {
			t.Fatalf("chunk %d replies to %d, want %d", i, s.opt.ReplyTo, wantReply)
		}
	}
}

func TestHandle_OwnerOnly(t *testing.T) {
	h := &fakeHandler{reply: dispatch.Reply{Text: "ok"}}
	out := &fakeOut{}
	r := New(h, out, Config{Owners: []int64{1}}, testLogger())
	ctx := context.Background()

	steps := []struct {
		from  int64
		text  string
		calls int
	}{
		{5, "!reset cats", 0},
		{5, "!rescan", 0},
		// everyone may draw and check status
		{5, "status", 1},
		{5, "history", 2},
		{1, "!reset cats", 3},
	}
	for _, st := range steps {
		if err := r.Handle(ctx, msg(st.from, st.text)); err != nil {
			t.Fatalf("Handle(%q): %v", st.text, err)
		}
		if n := len(h.calls()); n != st.calls {
			t.Fatalf("after %q from %d: %d handler calls, want %d", st.text, st.from, n, st.calls)
		}
	}
	if got := out.sent()[0].text; got != msgDenied {
		t.Fatalf("denial text = %q", got)
	}

	r.SetOwners(nil)
	if err := r.Handle(ctx, msg(5, "!rescan")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n := len(h.calls()); n != 4 {
		t.Fatalf("rescan still denied without owners")
	}
}

func TestHandle_HandlerError(t *testing.T) {
	h := &fakeHandler{err: errors.New("store down")}
	out := &fakeOut{}
	r := New(h, out, Config{}, testLogger())

	if err := r.Handle(context.Background(), msg(5, "cats")); err == nil {
		t.Fatalf("expected handler error")
	}
	sent := out.sent()
	if len(sent) != 1 || sent[0].text != msgFailed {
		t.Fatalf("failure reply = %+v", sent)
	}
}

func TestHandle_RecoversPanic(t *testing.T) {
	h := &fakeHandler{panic: true}
	r := New(h, &fakeOut{}, Config{}, testLogger())
	err := r.Handle(context.Background(), msg(5, "cats"))
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("Handle = %v, want recovered panic", err)
	}
}

func TestDispatchLoop(t *testing.T) {
	h := &fakeHandler{reply: dispatch.Reply{Text: "ok"}}
	out := &fakeOut{}
	r := New(h, out, Config{Workers: 2}, testLogger())

	updates := make(chan kit.Message, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.DispatchLoop(ctx, updates) }()

	updates <- msg(5, "cats")
	updates <- msg(6, "dogs")
	deadline := time.Now().Add(2 * time.Second)
	for len(out.sent()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d replies sent", len(out.sent()))
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(updates)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DispatchLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
	if r.tryEnqueue(func() {}) {
		t.Fatalf("enqueue accepted after the loop stopped")
	}
}

func TestHTMLSender(t *testing.T) {
	out := &fakeOut{}
	s := HTMLSender{Next: out}
	ctx := context.Background()
	to := kit.ChatTarget{ChatID: 1}

	if _, err := s.SendText(ctx, to, "<b>", &kit.SendOptions{ParseMode: "HTML"}); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := out.sent()[0].text; got != "<b>" {
		t.Fatalf("HTML text was rewritten: %q", got)
	}

	if _, err := s.SendPhoto(ctx, to, kit.Photo{URL: "u", Caption: strings.Repeat("é", 2000)}); err != nil {
		t.Fatalf("SendPhoto: %v", err)
	}
	if n := len([]rune(out.photos[0].Caption)); n != 1025 {
		t.Fatalf("caption has %d runes, want 1025", n)
	}
}

func TestMenuCommands(t *testing.T) {
	cmds := MenuCommands("img")
	if len(cmds) == 0 || cmds[0].Command != "img" {
		t.Fatalf("trigger is not the first menu entry: %+v", cmds)
	}
	names := map[string]bool{}
	for _, c := range cmds {
		if c.Description == "" {
			t.Fatalf("%s has no description", c.Command)
		}
		names[c.Command] = true
	}
	for _, w := range command.Words() {
		if !names[w] {
			t.Fatalf("menu is missing %s", w)
		}
	}
}
