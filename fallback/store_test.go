package fallback

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRule(id, category string) *Rule {
	return &Rule{
		ID:            id,
		Category:      category,
		Keywords:      []string{"weather"},
		Templates:     []string{"canned"},
		MinConfidence: 70,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestStoreSaveLoadDelete(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(testRule("r1", "weather")))
	require.NoError(t, store.Save(testRule("r2", "stock")))

	rules, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	require.NoError(t, store.Delete("r1"))
	require.NoError(t, store.Delete("r1"), "deleting a missing rule is a no-op")
	rules, err = store.Load()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r2", rules[0].ID)
}

func TestLoadSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(testRule("good", "weather")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{broken"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("notes"), 0o644))

	rules, err := store.Load()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "good", rules[0].ID)
}

func TestCleanupRemovesStaleUnusedRules(t *testing.T) {
	store, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	stale := testRule("stale", "general")
	stale.CreatedAt = time.Now().Add(-48 * time.Hour)
	stale.UsageCount = 0
	veteran := testRule("veteran", "general")
	veteran.CreatedAt = time.Now().Add(-48 * time.Hour)
	veteran.UsageCount = 10
	fresh := testRule("fresh", "general")

	require.NoError(t, store.Save(stale))
	require.NoError(t, store.Save(veteran))
	require.NoError(t, store.Save(fresh))

	removed, err := store.Cleanup(24*time.Hour, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rules, err := store.Load()
	require.NoError(t, err)
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"veteran", "fresh"}, ids)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var latest []*Rule
	require.NoError(t, store.Watch(ctx, func(rules []*Rule) {
		mu.Lock()
		latest = rules
		mu.Unlock()
	}))

	require.NoError(t, store.Save(testRule("hot", "weather")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].ID == "hot"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEngineLoadsPersistedRulesAtStartup(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(testRule("persisted", "weather")))

	e, err := NewEngine(Config{MinConfidence: 70}, store, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, e.Stats().RuleCount)

	got, ok := e.Respond(context.Background(), "weather")
	require.True(t, ok)
	assert.Equal(t, "canned", got)
}
