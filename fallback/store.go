package fallback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	amcp "github.com/amcp-project/amcp-go"
)

// Store persists rules as one JSON record per file in a directory. Writes
// are serialized by the callers (the engine); reads may run concurrently.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, amcp.Errorf("fallback.NewStore", amcp.KindInvalidInput, "rules directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, amcp.E("fallback.NewStore", amcp.KindUnavailable, err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Load reads every rule record in the directory. Unparseable files are
// skipped with a warning, not fatal: one corrupt rule must not take the
// whole fallback path down.
func (s *Store) Load() ([]*Rule, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, amcp.E("fallback.Load", amcp.KindUnavailable, err)
	}
	rules := make([]*Rule, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Rule file unreadable", "file", entry.Name(), "error", err)
			continue
		}
		var r Rule
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("Rule file corrupt, skipping", "file", entry.Name(), "error", err)
			continue
		}
		if r.ID == "" || r.Category == "" || len(r.Templates) == 0 {
			s.logger.Warn("Rule file incomplete, skipping", "file", entry.Name())
			continue
		}
		rules = append(rules, &r)
	}
	return rules, nil
}

// Save writes one rule record through a temp file.
func (s *Store) Save(r *Rule) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return amcp.E("fallback.Save", amcp.KindInvalidInput, err)
	}
	tmp := s.path(r.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return amcp.E("fallback.Save", amcp.KindUnavailable, err)
	}
	if err := os.Rename(tmp, s.path(r.ID)); err != nil {
		return amcp.E("fallback.Save", amcp.KindUnavailable, err)
	}
	return nil
}

// Delete removes a rule record; deleting a missing record is a no-op.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return amcp.E("fallback.Delete", amcp.KindUnavailable, err)
	}
	return nil
}

// Cleanup removes rules older than maxAge that were used fewer than
// minUsage times, both from disk and from the returned survivor set.
func (s *Store) Cleanup(maxAge time.Duration, minUsage int) (removed int, err error) {
	rules, err := s.Load()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, r := range rules {
		if r.CreatedAt.Before(cutoff) && r.UsageCount < minUsage {
			if err := s.Delete(r.ID); err != nil {
				s.logger.Warn("Stale rule removal failed", "rule_id", r.ID, "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Watch reloads the rule directory on filesystem changes and hands the new
// rule set to onReload. Events are debounced; the watcher stops with ctx.
func (s *Store) Watch(ctx context.Context, onReload func([]*Rule)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return amcp.E("fallback.Watch", amcp.KindUnavailable, err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return amcp.E("fallback.Watch", amcp.KindUnavailable, err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		reload := func() {
			rules, err := s.Load()
			if err != nil {
				s.logger.Warn("Rule reload failed", "error", err)
				return
			}
			s.logger.Info("Rule directory reloaded", "rules", len(rules))
			onReload(rules)
		}
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if strings.HasSuffix(ev.Name, ".tmp") {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Rule watcher error", "error", err)
			}
		}
	}()
	return nil
}
