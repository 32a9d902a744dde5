// Package cache is the LLM response cache: bounded LRU with TTL expiry and
// an opportunistic JSON snapshot on disk. The cache is advisory; losing the
// snapshot costs latency, never correctness.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Key derives the content hash for a response. The parts are the prompt,
// the model id and the parameter subset that influences output.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Config bounds the cache.
type Config struct {
	// MaxEntries caps the number of cached responses. Zero uses the default.
	MaxEntries int
	// TTL expires entries regardless of use. Zero uses the default.
	TTL time.Duration
	// SnapshotPath enables the on-disk snapshot when non-empty.
	SnapshotPath string
}

func DefaultConfig() Config {
	return Config{MaxEntries: 1000, TTL: time.Hour}
}

type entry struct {
	key      string
	value    string
	storedAt time.Time
}

// Cache is a thread-safe LRU with TTL.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element

	hits, misses, evictions uint64
}

func New(cfg Config, logger *slog.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Cache{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
	if cfg.SnapshotPath != "" {
		if err := c.loadSnapshot(); err != nil {
			logger.Warn("Response cache snapshot not loaded", "path", cfg.SnapshotPath, "error", err)
		}
	}
	return c
}

// Get returns the cached response for key, refreshing its LRU position.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return "", false
	}
	ent := el.Value.(*entry)
	if c.now().Sub(ent.storedAt) > c.cfg.TTL {
		c.removeLocked(el)
		c.misses++
		return "", false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return ent.value, true
}

// Put stores a response, evicting the least recently used entry when full.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.storedAt = c.now()
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{key: key, value: value, storedAt: c.now()})
	c.items[key] = el
	for c.ll.Len() > c.cfg.MaxEntries {
		c.removeLocked(c.ll.Back())
		c.evictions++
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	ent := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, ent.key)
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// PurgeExpired drops entries past their TTL and returns how many went.
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.now().Sub(el.Value.(*entry).storedAt) > c.cfg.TTL {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.ll.Len(), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

type snapshotEntry struct {
	Key      string    `json:"key"`
	Value    string    `json:"value"`
	StoredAt time.Time `json:"storedAt"`
}

// Snapshot writes the live entries to the configured path. The write goes
// through a temp file so a crash never leaves a torn snapshot.
func (c *Cache) Snapshot() error {
	if c.cfg.SnapshotPath == "" {
		return nil
	}
	c.mu.Lock()
	entries := make([]snapshotEntry, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry)
		if c.now().Sub(ent.storedAt) > c.cfg.TTL {
			continue
		}
		entries = append(entries, snapshotEntry{Key: ent.key, Value: ent.value, StoredAt: ent.storedAt})
	}
	c.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := c.cfg.SnapshotPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.cfg.SnapshotPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.cfg.SnapshotPath)
}

func (c *Cache) loadSnapshot() error {
	data, err := os.ReadFile(c.cfg.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []snapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("corrupt snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Oldest first so the most recent entries end up at the LRU front.
	for i := len(entries) - 1; i >= 0; i-- {
		ent := entries[i]
		if c.now().Sub(ent.StoredAt) > c.cfg.TTL {
			continue
		}
		if _, ok := c.items[ent.Key]; ok {
			continue
		}
		el := c.ll.PushFront(&entry{key: ent.Key, value: ent.Value, storedAt: ent.StoredAt})
		c.items[ent.Key] = el
	}
	for c.ll.Len() > c.cfg.MaxEntries {
		c.removeLocked(c.ll.Back())
	}
	return nil
}

// StartSnapshotLoop persists the cache at the given interval until ctx ends.
// A final snapshot runs on the way out.
func (c *Cache) StartSnapshotLoop(ctx context.Context, interval time.Duration) {
	if c.cfg.SnapshotPath == "" || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := c.Snapshot(); err != nil {
					c.logger.Warn("Final cache snapshot failed", "error", err)
				}
				return
			case <-ticker.C:
				if err := c.Snapshot(); err != nil {
					c.logger.Warn("Cache snapshot failed", "error", err)
				}
			}
		}
	}()
}
