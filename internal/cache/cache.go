// Package cache stores computed values in the scratch directory so they
// survive service restarts. Entries are plain files; a prune pass removes
// everything a service run never touched.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/info-beamer/package-bload-auditorium/internal/player"
)

// Cache is a scope-prefixed file cache inside a scratch directory.
// Different scopes share the directory without colliding.
type Cache struct {
	dir   string
	scope string
	log   *zap.SugaredLogger

	mu      sync.Mutex
	touched map[string]struct{}
}

// New creates a cache for one scope inside dir.
func New(dir, scope string, log *zap.SugaredLogger) *Cache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Cache{
		dir:     dir,
		scope:   scope,
		log:     log,
		touched: make(map[string]struct{}),
	}
}

func (c *Cache) prefix() string {
	return "cache-" + c.scope + "-"
}

func (c *Cache) filename(key string) string {
	sum := md5.Sum([]byte(key))
	return c.prefix() + hex.EncodeToString(sum[:])
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, c.filename(key))
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	c.touched[c.filename(key)] = struct{}{}
	c.mu.Unlock()
}

// Has reports whether key is cached.
func (c *Cache) Has(key string) bool {
	_, err := os.Stat(c.path(key))
	if err == nil {
		c.touch(key)
		return true
	}
	return false
}

// Get returns the cached bytes for key.
func (c *Cache) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, fmt.Errorf("cache miss for %s: %w", key, err)
	}
	c.touch(key)
	return data, nil
}

// GetFresh returns the cached bytes for key only if the entry is younger
// than maxAge.
func (c *Cache) GetFresh(key string, maxAge time.Duration) ([]byte, error) {
	info, err := os.Stat(c.path(key))
	if err != nil {
		return nil, fmt.Errorf("cache miss for %s: %w", key, err)
	}
	if time.Since(info.ModTime()) > maxAge {
		return nil, fmt.Errorf("cache entry for %s expired", key)
	}
	return c.Get(key)
}

// GetJSON decodes the cached value for key into out.
func (c *Cache) GetJSON(key string, out interface{}) error {
	data, err := c.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Set stores bytes under key. The write is atomic so a concurrent reader
// never sees a partial entry.
func (c *Cache) Set(key string, value []byte) error {
	if err := player.WriteFileAtomic(c.path(key), value); err != nil {
		return fmt.Errorf("cannot cache %s: %w", key, err)
	}
	c.touch(key)
	return nil
}

// SetJSON stores a JSON-encoded value under key.
func (c *Cache) SetJSON(key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cannot encode cache value for %s: %w", key, err)
	}
	return c.Set(key, encoded)
}

// FileRef returns the backing filename for key, for handing the cached
// content to other processes.
func (c *Cache) FileRef(key string) string {
	c.touch(key)
	return c.path(key)
}

// Prune deletes this scope's entries that were never touched since the
// cache was created.
func (c *Cache) Prune() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("cannot scan cache dir: %w", err)
	}

	c.mu.Lock()
	touched := make(map[string]struct{}, len(c.touched))
	for name := range c.touched {
		touched[name] = struct{}{}
	}
	c.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, c.prefix()) {
			continue
		}
		if _, ok := touched[name]; ok {
			continue
		}
		c.log.Debugw("pruning stale cache entry", "name", name)
		os.Remove(filepath.Join(c.dir, name))
	}
	return nil
}

// Clear deletes all of this scope's entries.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("cannot scan cache dir: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), c.prefix()) {
			os.Remove(filepath.Join(c.dir, entry.Name()))
		}
	}
	c.mu.Lock()
	c.touched = make(map[string]struct{})
	c.mu.Unlock()
	return nil
}
