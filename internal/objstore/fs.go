package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// fsStore serves a local directory tree: root/<category>/<item>.
type fsStore struct {
	root    string
	baseURL string
}

func openFS(cfg Config) (Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("objects.root is required for fs driver")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("objects.root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("objects.root %s is not a directory", abs)
	}
	return &fsStore{root: abs, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

// path maps id under root. Ids that would leave root are refused.
func (s *fsStore) path(id string) (string, bool) {
	if !ValidID(id) {
		return "", false
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(id, "/"))), true
}

func (s *fsStore) ListCategories(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fsStore) ListItems(ctx context.Context, category string) ([]string, error) {
	dir, ok := s.path(category)
	if !ok {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, ItemID(category, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func (s *fsStore) ItemExists(ctx context.Context, id string) (bool, error) {
	p, ok := s.path(id)
	if !ok {
		return false, nil
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fi.Mode().IsRegular(), nil
}

// SignedURL maps id under BaseURL when set, otherwise to a file URL. Local
// links do not expire.
func (s *fsStore) SignedURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	rel := strings.TrimPrefix(id, "/")
	p, ok := s.path(rel)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if s.baseURL != "" {
		u, err := url.Parse(s.baseURL)
		if err != nil {
			return "", err
		}
		return u.JoinPath(strings.Split(rel, "/")...).String(), nil
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	return u.String(), nil
}

func (s *fsStore) Close() error { return nil }
