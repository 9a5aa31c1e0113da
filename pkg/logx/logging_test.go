package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"imgdraw/internal/transport"
)

func TestNewWriter_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "sampler"))
	log.Info("drawn", Int("weight", 3), Err(errors.New("x")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	want := map[string]any{"message": "drawn", "comp": "sampler", "weight": float64(3), "err": "x"}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("field %s = %v, want %v", k, m[k], v)
		}
	}
	if caller, _ := m["caller"].(string); !strings.Contains(caller, "logging_test.go:") {
		t.Fatalf("unexpected caller %q", m["caller"])
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatalf("Enabled disagrees with the warn level")
	}
}

func TestNopAndZero(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero Logger should report IsZero")
	}
	if Nop().IsZero() {
		t.Fatalf("Nop should not be zero")
	}
	Nop().Error("ignored")
}

type chatSink struct {
	mu   sync.Mutex
	msgs []string
	to   []transport.ChatTarget
}

func (c *chatSink) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	c.to = append(c.to, to)
	return transport.MessageRef{}, nil
}

func (c *chatSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestService_ChatSink(t *testing.T) {
	target := transport.ChatTarget{ChatID: -7, ThreadID: 4}
	svc, log := New(Config{
		Level: "error",
		Chat:  ChatConfig{Enabled: true, Target: target, MinLevel: "error", RatePerSec: 5},
	}, nil)
	defer svc.Close()

	sink := &chatSink{}
	svc.SetSender(sink)

	log.Warn("below the chat level")
	log.Error("store down", String("category", "cats"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("error was not forwarded to chat")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.msgs) != 1 {
		t.Fatalf("expected 1 chat message, got %d: %q", len(sink.msgs), sink.msgs)
	}
	if sink.to[0] != target {
		t.Fatalf("sent to %+v, want %+v", sink.to[0], target)
	}
	for _, want := range []string{"[ERROR] store down", "- category=cats"} {
		if !strings.Contains(sink.msgs[0], want) {
			t.Fatalf("message %q lacks %q", sink.msgs[0], want)
		}
	}
}

func TestFormatChatJSON_Plain(t *testing.T) {
	if got := formatChatJSON([]byte("not json\n")); got != "not json" {
		t.Fatalf("formatChatJSON = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		def  Level
		want Level
	}{
		{"warning", LevelInfo, LevelWarn},
		{"loud", LevelInfo, LevelInfo},
		{"ERROR", LevelDebug, LevelError},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in, tc.def); got != tc.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
