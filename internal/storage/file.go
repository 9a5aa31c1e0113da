package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "imgdraw/pkg/logx"
)

// historyKeep bounds the draws the file driver can answer RecentDraws from.
const historyKeep = 500

// fileStore keeps two JSON Lines files next to the configured path:
//
//	<name>.draws.jsonl  every answered work item, append-only
//	<name>.marks.jsonl  dedup marks; rewritten without expired marks on open
//	                    and once the file doubles past its last rewrite
//
// The newest historyKeep draws stay in memory, oldest first.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	draws  *os.File
	recent []DrawEntry

	marksPath string
	marks     *os.File
	live      map[string]time.Time
	lines     int
	compactAt int
}

type markLine struct {
	Key   string `json:"key"`
	Until int64  `json:"until_ms"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem := filepath.Join(dir, name)

	s := &fileStore{log: log, now: time.Now, marksPath: stem + ".marks.jsonl"}

	recent, err := tailDraws(stem+".draws.jsonl", historyKeep)
	if err != nil {
		return nil, fmt.Errorf("read draw history: %w", err)
	}
	s.recent = recent
	if s.draws, err = os.OpenFile(stem+".draws.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}

	if s.live, err = readMarks(s.marksPath, s.now()); err != nil {
		_ = s.draws.Close()
		return nil, fmt.Errorf("read dedup marks: %w", err)
	}
	if err := s.rewriteMarksLocked(); err != nil {
		_ = s.draws.Close()
		return nil, err
	}
	return s, nil
}

// tailDraws returns the last keep decodable entries of path.
func tailDraws(path string, keep int) ([]DrawEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []DrawEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e DrawEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		out = append(out, e)
		if len(out) > 2*keep {
			out = append(out[:0:0], out[len(out)-keep:]...)
		}
	}
	if len(out) > keep {
		out = out[len(out)-keep:]
	}
	return out, sc.Err()
}

// readMarks replays path; later lines win and expired marks are dropped.
func readMarks(path string, now time.Time) (map[string]time.Time, error) {
	live := map[string]time.Time{}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return live, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m markLine
		if json.Unmarshal(sc.Bytes(), &m) != nil || m.Key == "" {
			continue
		}
		live[m.Key] = time.UnixMilli(m.Until)
	}
	for k, until := range live {
		if !until.After(now) {
			delete(live, k)
		}
	}
	return live, sc.Err()
}

// rewriteMarksLocked replaces the marks file with the live marks only.
func (s *fileStore) rewriteMarksLocked() error {
	tmp := s.marksPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for k, until := range s.live {
		if err := enc.Encode(markLine{Key: k, Until: until.UnixMilli()}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.marksPath); err != nil {
		return err
	}
	if s.marks != nil {
		_ = s.marks.Close()
	}
	s.marks, err = os.OpenFile(s.marksPath, os.O_APPEND|os.O_WRONLY, 0o600)
	s.lines = len(s.live)
	s.compactAt = 2*s.lines + 256
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.draws != nil {
		errs = append(errs, s.draws.Close())
		s.draws = nil
	}
	if s.marks != nil {
		errs = append(errs, s.marks.Close())
		s.marks = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendDraw(_ context.Context, e DrawEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draws == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.draws).Encode(e); err != nil {
		return err
	}
	s.recent = append(s.recent, e)
	if len(s.recent) > historyKeep {
		s.recent = append(s.recent[:0:0], s.recent[len(s.recent)-historyKeep:]...)
	}
	return nil
}

func (s *fileStore) RecentDraws(_ context.Context, q DrawQuery) ([]DrawEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DrawEntry
	for i := len(s.recent) - 1; i >= 0 && len(out) < q.limit(); i-- {
		if q.match(s.recent[i]) {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

func (s *fileStore) MarkSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marks == nil {
		return false, ErrDisabled
	}
	if until, ok := s.live[key]; ok && until.After(now) {
		return true, nil
	}

	until := now.Add(ttl)
	s.live[key] = until
	if err := json.NewEncoder(s.marks).Encode(markLine{Key: key, Until: until.UnixMilli()}); err != nil {
		return false, err
	}
	s.lines++

	if s.lines >= s.compactAt {
		for k, u := range s.live {
			if !u.After(now) {
				delete(s.live, k)
			}
		}
		if err := s.rewriteMarksLocked(); err != nil {
			s.log.Warn("dedup marks rewrite failed", logx.Err(err))
		}
	}
	return false, nil
}
