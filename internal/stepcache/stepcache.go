// Package stepcache is a content-addressed cache of step outcomes. The
// key binds the step text, its kind, the project language, and a digest
// of the file memory snapshot, so a hit is only possible when the step
// would run against byte-identical inputs. The cache is advisory: a
// corrupt or missing entry is a miss, never an error surfaced to the
// run.
package stepcache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stepflow/internal/step"
)

// DefaultTTL is how long a cached outcome stays valid.
const DefaultTTL = 24 * time.Hour

// Entry is one cached step outcome. Files carries the content the step
// produced so a hit can replay its effect on file memory.
type Entry struct {
	Key       string            `json:"key"`
	Outcome   step.Outcome      `json:"outcome"`
	Files     map[string]string `json:"files,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Stats summarizes cache contents.
type Stats struct {
	Entries   int   `json:"entries"`
	SizeBytes int64 `json:"size_bytes"`
}

// Config configures the cache.
type Config struct {
	// Dir is the directory holding cache entries.
	Dir string

	// TTL is the entry lifetime. Zero means every entry is already
	// expired, which disables the cache without disabling writes.
	TTL time.Duration
}

// Cache stores step outcomes as one JSON file per key.
type Cache struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// New creates a cache rooted at cfg.Dir.
func New(cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		dir:    cfg.Dir,
		ttl:    cfg.TTL,
		logger: logger,
		now:    time.Now,
	}
}

// Key derives the content address for a step. Snapshot contents are
// hashed per file so the key stays fixed-cost regardless of project
// size.
func Key(stepText string, kind step.Kind, language string, snapshot map[string]string) string {
	h := blake3.New()
	io.WriteString(h, stepText)
	io.WriteString(h, "\x00")
	io.WriteString(h, string(kind))
	io.WriteString(h, "\x00")
	io.WriteString(h, strings.ToLower(language))
	io.WriteString(h, "\x00")

	paths := make([]string, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		sum := blake3.Sum256([]byte(snapshot[p]))
		io.WriteString(h, p)
		io.WriteString(h, "\x00")
		h.Write(sum[:])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Get looks up a key. Expired entries are deleted on read. Any decode
// problem is treated as a miss.
func (c *Cache) Get(key string) (*Entry, bool) {
	path := c.entryPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		_ = os.Remove(path)
		return nil, false
	}

	if !c.now().Before(e.ExpiresAt) {
		c.logger.Debug("cache entry expired", zap.String("key", key))
		_ = os.Remove(path)
		return nil, false
	}

	return &e, true
}

// Put stores an outcome under a key. Write failures are logged and
// swallowed; a cache that cannot persist must not fail the step that
// just succeeded.
func (c *Cache) Put(key string, outcome step.Outcome, files map[string]string) {
	now := c.now()
	e := Entry{
		Key:       key,
		Outcome:   outcome,
		Files:     files,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		c.logger.Warn("failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		c.logger.Warn("failed to create cache directory", zap.Error(err))
		return
	}

	path := c.entryPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("failed to write cache entry", zap.String("key", key), zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		c.logger.Warn("failed to finalize cache entry", zap.String("key", key), zap.Error(err))
		_ = os.Remove(tmp)
	}
}

// Clear removes every entry and returns how many were removed.
func (c *Cache) Clear() (int, error) {
	entries, err := c.list()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range entries {
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("removing %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

// Stats reports entry count and total size on disk.
func (c *Cache) Stats() (Stats, error) {
	entries, err := c.list()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		s.Entries++
		s.SizeBytes += info.Size()
	}
	return s, nil
}

func (c *Cache) list() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing cache entries: %w", err)
	}
	return matches, nil
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}
