package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cam3ron2/bitbucket-pr-metrics/internal/bitbucket"
	"go.uber.org/zap"
)

// Key identifies one repository and calendar month.
type Key struct {
	Repository string
	Year       string
	Month      string
}

// String renders the snapshot key "<repo>_<year>_<month>".
func (k Key) String() string {
	return fmt.Sprintf("%s_%s_%s", k.Repository, k.Year, k.Month)
}

// Entry holds the detail records and activity lists fetched for one Key.
// Entries are replaced wholesale and must not be mutated after Put.
type Entry struct {
	PullRequests []bitbucket.PullRequest         `json:"prs"`
	Activities   map[string][]bitbucket.Activity `json:"activities"`
}

// Snapshot is the full persisted cache content.
type Snapshot map[string]Entry

// SnapshotStore persists the whole cache as one document.
type SnapshotStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
	Remove(ctx context.Context) error
	Describe() string
}

// CacheIOError reports a snapshot read, write or remove failure.
type CacheIOError struct {
	Op       string
	Location string
	Err      error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *CacheIOError) Unwrap() error {
	return e.Err
}

// Config configures a Cache.
type Config struct {
	// Snapshot is the persistent tier. Nil keeps the cache memory-only.
	Snapshot SnapshotStore
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Cache is a two-tier store: an in-memory map backed by a snapshot that is
// rewritten in full on every Put.
type Cache struct {
	snapshot SnapshotStore
	metrics  *Metrics
	logger   *zap.Logger

	// writeMu serialises Put/Cleanup so snapshots reach the store in order.
	writeMu sync.Mutex
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		snapshot: cfg.Snapshot,
		metrics:  cfg.Metrics,
		logger:   logger,
		entries:  make(map[string]Entry),
	}
}

// Get returns the entry for key. A memory miss consults the snapshot and
// promotes a hit into memory; snapshot read failures count as a miss.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool) {
	name := key.String()

	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if ok {
		c.metrics.hit(tierMemory)
		c.logger.Debug("cache hit", zap.String("key", name), zap.String("tier", tierMemory))
		return entry, true
	}

	if c.snapshot == nil {
		c.metrics.miss()
		return Entry{}, false
	}

	persisted, err := c.snapshot.Load(ctx)
	if err != nil {
		ioErr := &CacheIOError{Op: "read", Location: c.snapshot.Describe(), Err: err}
		c.metrics.ioError("read")
		c.logger.Warn("cache snapshot read failed, treating as miss", zap.String("key", name), zap.Error(ioErr))
		c.metrics.miss()
		return Entry{}, false
	}
	entry, ok = persisted[name]
	if !ok {
		c.metrics.miss()
		return Entry{}, false
	}

	c.mu.Lock()
	if existing, raced := c.entries[name]; raced {
		entry = existing
	} else {
		c.entries[name] = entry
	}
	c.mu.Unlock()

	c.metrics.hit(tierSnapshot)
	c.logger.Debug("cache hit", zap.String("key", name), zap.String("tier", tierSnapshot))
	return entry, true
}

// Put stores entry in memory and rewrites the snapshot. A snapshot write
// failure is logged and returned; the memory tier stays authoritative.
func (c *Cache) Put(ctx context.Context, key Key, entry Entry) error {
	name := key.String()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.entries[name] = entry
	full := make(Snapshot, len(c.entries))
	for k, v := range c.entries {
		full[k] = v
	}
	c.mu.Unlock()

	c.logger.Debug("cache entry stored",
		zap.String("key", name),
		zap.Int("pull_requests", len(entry.PullRequests)),
		zap.Int("activity_records", len(entry.Activities)),
	)

	if c.snapshot == nil {
		return nil
	}
	if err := c.snapshot.Save(ctx, full); err != nil {
		ioErr := &CacheIOError{Op: "write", Location: c.snapshot.Describe(), Err: err}
		c.metrics.ioError("write")
		c.logger.Error("cache snapshot write failed, keeping memory tier", zap.String("key", name), zap.Error(ioErr))
		return ioErr
	}
	return nil
}

// Cleanup removes the snapshot and clears memory.
func (c *Cache) Cleanup(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	if c.snapshot == nil {
		return nil
	}
	location := c.snapshot.Describe()
	if err := c.snapshot.Remove(ctx); err != nil {
		ioErr := &CacheIOError{Op: "remove", Location: location, Err: err}
		c.metrics.ioError("remove")
		c.logger.Error("cache snapshot removal failed", zap.Error(ioErr))
		return ioErr
	}
	c.logger.Info("cache cleaned up", zap.String("snapshot", location))
	return nil
}

// Len reports the number of in-memory entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Describe names the persistent tier for logs and health output.
func (c *Cache) Describe() string {
	if c.snapshot == nil {
		return "memory"
	}
	return strings.TrimSpace(c.snapshot.Describe())
}
