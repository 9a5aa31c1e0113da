// Package objstore lists the drawable media. Categories are the top-level
// "directories" of a container; items are the objects directly under one,
// identified by their full path ("cats/tabby.jpg").
package objstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	logx "imgdraw/pkg/logx"
)

// ErrInvalidID rejects ids that do not name an object inside the store.
var ErrInvalidID = errors.New("invalid item id")

// LinkTTL is how long a delivered item link stays valid.
const LinkTTL = 24 * time.Hour

// Store is the object listing service.
type Store interface {
	ListCategories(ctx context.Context) ([]string, error)
	// ListItems returns the item ids directly under category.
	ListItems(ctx context.Context, category string) ([]string, error)
	ItemExists(ctx context.Context, id string) (bool, error)
	// SignedURL returns a read-only link to id valid for ttl.
	SignedURL(ctx context.Context, id string, ttl time.Duration) (string, error)
	Close() error
}

// Config configures the object store.
//
// Driver values:
//   - "fs": Root is a local directory, BaseURL optionally maps items to http links
//   - "azblob": Container in the account given by ConnectionString or ServiceURL
//   - "s3": Bucket, optional Region, Endpoint, UsePathStyle and static keys
//   - "memory": empty store (tests)
type Config struct {
	Driver string

	Root    string
	BaseURL string

	Container        string
	ServiceURL       string
	ConnectionString string

	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	// Static keys; empty uses the default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// Open initializes the configured object store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "memory":
		return NewMemory(), nil
	case "", "fs", "file":
		return openFS(cfg)
	case "azblob", "azure":
		return openAzureBlob(ctx, cfg, log)
	case "s3":
		return openS3(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown object store driver: %s", driver)
	}
}

// CategoryOf returns the category part of an item id.
func CategoryOf(id string) string {
	id = strings.TrimPrefix(id, "/")
	if i := strings.IndexByte(id, '/'); i >= 0 {
		return id[:i]
	}
	return ""
}

// ValidID reports whether id names an object inside the store: relative,
// already clean, and free of ".." elements.
func ValidID(id string) bool {
	id = strings.TrimPrefix(id, "/")
	return id != "" && path.Clean(id) == id && filepath.IsLocal(filepath.FromSlash(id))
}

// ItemID joins a category and an object name.
func ItemID(category, name string) string {
	return path.Join(category, name)
}

// directChild reports whether key sits directly under prefix (no deeper "/").
func directChild(prefix, key string) bool {
	rest, ok := strings.CutPrefix(key, prefix)
	return ok && rest != "" && !strings.Contains(rest, "/")
}
