package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestKeyIsPositional(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("a", "b"), Key("b", "a"))
	assert.NotEqual(t, Key("ab", ""), Key("a", "b"), "concatenation must not collide")
}

func TestGetAfterPut(t *testing.T) {
	c := New(Config{MaxEntries: 10, TTL: time.Minute}, nil)
	c.Put("k", "v")
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestLRUEviction(t *testing.T) {
	c := New(Config{MaxEntries: 2, TTL: time.Minute}, nil)
	c.Put("a", "1")
	c.Put("b", "2")

	// Touch a so b is the LRU victim.
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("c", "3")

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestTTLExpiry(t *testing.T) {
	c := New(Config{MaxEntries: 10, TTL: time.Minute}, nil)
	c.Put("k", "v")

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry is a miss")

	c.Put("fresh", "v")
	assert.Equal(t, 1, c.PurgeExpired(), "the stale entry is purged")
	assert.Equal(t, 1, c.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.json")

	c := New(Config{MaxEntries: 10, TTL: time.Hour, SnapshotPath: path}, nil)
	c.Put("k1", "v1")
	c.Put("k2", "v2")
	require.NoError(t, c.Snapshot())

	restored := New(Config{MaxEntries: 10, TTL: time.Hour, SnapshotPath: path}, nil)
	got, ok := restored.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", got)
	got, ok = restored.Get("k2")
	require.True(t, ok)
	assert.Equal(t, "v2", got)
}

func TestSnapshotSkipsExpiredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.json")

	c := New(Config{MaxEntries: 10, TTL: time.Minute, SnapshotPath: path}, nil)
	c.Put("old", "v")
	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	c.Put("new", "v")
	require.NoError(t, c.Snapshot())

	restored := New(Config{MaxEntries: 10, TTL: time.Minute, SnapshotPath: path}, nil)
	restored.now = c.now
	assert.Equal(t, 1, restored.Len())
	_, ok := restored.Get("old")
	assert.False(t, ok)
}

func TestCorruptSnapshotIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.json")
	require.NoError(t, writeFile(path, "{{not json"))

	c := New(Config{MaxEntries: 10, TTL: time.Minute, SnapshotPath: path}, nil)
	assert.Equal(t, 0, c.Len(), "a corrupt snapshot starts an empty cache")
}
