package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"imgdraw/internal/transport"
)

// ---- Config ----

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Chat    ChatConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// ChatConfig forwards records at or above MinLevel to a chat.
type ChatConfig struct {
	Enabled    bool
	Target     transport.ChatTarget
	MinLevel   string
	RatePerSec int
}

// Sender is the subset of a chat adapter the chat sink needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// ---- Logger API ----

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field mutates a zerolog event. Fields are applied in-order; later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Strings(k string, v []string) Field {
	return func(e *zerolog.Event) { e.Strs(k, v) }
}
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a lightweight structured logger.
//
// - If created from Service, it stays "live" across Service.Apply() calls.
// - With() returns a derived logger with additional fixed fields.
// - Zero value is a safe no-op logger.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole creates a standalone console logger (no Service, no fanout).
// Used by CLI subcommands and for bootstrapping before config is loaded.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"
	return Logger{base: newConsoleRoot(ParseLevel(level, zerolog.InfoLevel)), hasBase: true}
}

// NewWriter creates a JSON logger writing to w. Tests use it to capture output.
func NewWriter(w io.Writer, level string) Logger {
	zerolog.ErrorFieldName = "err"
	zl := zerolog.New(w).Level(ParseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.svc != nil {
		return l.svc.current()
	}
	if l.hasBase {
		return l.base
	}
	return zerolog.Nop()
}

// Enabled reports whether the given level would be logged.
func (l Logger) Enabled(level Level) bool {
	zl := l.root()
	return level >= zl.GetLevel()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}

	// Caller: file:line only.
	if caller := shortCaller(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}

	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}

	e.Msg(msg)
}

func shortCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// ---- Service (dynamic config + sinks) ----

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // stores zerolog.Logger

	file *os.File

	sender     Sender
	chatQueue  chan chatItem
	chatOnce   sync.Once
	chatCancel context.CancelFunc
	chatWG     sync.WaitGroup

	// guarded by mu
	target   transport.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type chatItem struct {
	to  transport.ChatTarget
	msg string
}

// New creates the logging service, applies the initial config immediately,
// and returns both the Service and a root Logger.
//
// sender may be nil; the chat sink stays silent until SetSender is called.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{
		cfg:       cfg,
		sender:    sender,
		chatQueue: make(chan chatItem, 256),
	}
	s.root.Store(newConsoleRoot(ParseLevel(cfg.Level, zerolog.InfoLevel)))
	s.Apply(cfg)

	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	v := s.root.Load()
	if v == nil {
		return zerolog.Nop()
	}
	zl, ok := v.(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender installs the chat adapter once it exists (the adapter itself
// needs a logger, so it is created after the log service).
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.chatCancel
	s.chatCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.chatWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply swaps logger outputs/levels at runtime.
// It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg

	s.minLevel = ParseLevel(cfg.Chat.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Chat.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	s.target = cfg.Chat.Target

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	lvl := ParseLevel(cfg.Level, zerolog.InfoLevel)

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./imgdraw.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	if cfg.Chat.Enabled {
		s.chatOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.chatCancel = cancel
			s.chatWG.Add(1)
			go func() {
				defer s.chatWG.Done()
				s.chatWorker(ctx)
			}()
		})
		writers = append(writers, &chatWriter{svc: s})
		if s.target.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: chat logging enabled but no chat target is set")
		}
	}

	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	s.root.Store(zl)
}

func newConsoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(newConsoleWriter(os.Stdout)).Level(lvl).With().Timestamp().Logger()
}

func newConsoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) chatWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.chatQueue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = sender.SendText(sctx, it.to, it.msg, &transport.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

// ---- chat writer (zerolog sink) ----

type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	to := s.target
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if to.ChatID == 0 || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}

	msg := formatChatJSON(p)
	if msg == "" {
		return len(p), nil
	}

	// Never block core logging.
	select {
	case s.chatQueue <- chatItem{to: to, msg: msg}:
	default:
	}
	return len(p), nil
}

func formatChatJSON(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}

	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

// ParseLevel maps a level name to a zerolog level, falling back to def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
