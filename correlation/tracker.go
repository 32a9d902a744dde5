// Package correlation tracks pending request/response conversations. Every
// entry completes exactly once: with the matching response event, with a
// timeout, or with an explicit cancellation.
package correlation

import (
	"io"
	"log/slog"
	"sync"
	"time"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
)

// entry is one pending continuation. The once gate makes response, timeout
// and cancel mutually exclusive.
type entry struct {
	id         amcp.CorrelationID
	onResponse func(e *event.Event)
	onTimeout  func()
	timer      *time.Timer
	once       sync.Once
}

// Tracker maps correlation IDs to pending continuations with deadlines.
type Tracker struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[amcp.CorrelationID]*entry
}

// New builds an empty tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		logger:  logger,
		pending: make(map[amcp.CorrelationID]*entry),
	}
}

// Register installs a continuation. When the deadline expires first,
// onTimeout fires and the entry is removed. Registering an ID that is
// already pending fails.
func (t *Tracker) Register(id amcp.CorrelationID, timeout time.Duration, onResponse func(e *event.Event), onTimeout func()) error {
	if id.IsZero() {
		return amcp.Errorf("correlation.Register", amcp.KindInvalidInput, "empty correlation id")
	}
	en := &entry{id: id, onResponse: onResponse, onTimeout: onTimeout}

	t.mu.Lock()
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return amcp.Errorf("correlation.Register", amcp.KindInvalidInput, "correlation %s already pending", id)
	}
	t.pending[id] = en
	t.mu.Unlock()

	en.timer = time.AfterFunc(timeout, func() {
		t.expire(en)
	})
	return nil
}

// Resolve completes the continuation for the event's correlation ID. It
// reports whether a pending entry was found; late or duplicate responses
// return false and are otherwise ignored.
func (t *Tracker) Resolve(e *event.Event) bool {
	id := e.CorrelationID()
	if id.IsZero() {
		return false
	}

	t.mu.Lock()
	en, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("Dropping uncorrelated response",
			"correlation_id", id.String(),
			"event_id", e.ID().String(),
		)
		return false
	}

	fired := false
	en.once.Do(func() {
		en.timer.Stop()
		fired = true
		if en.onResponse != nil {
			en.onResponse(e)
		}
	})
	return fired
}

// Cancel removes a pending entry without firing either callback. It reports
// whether the entry was still pending.
func (t *Tracker) Cancel(id amcp.CorrelationID) bool {
	t.mu.Lock()
	en, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	cancelled := false
	en.once.Do(func() {
		en.timer.Stop()
		cancelled = true
	})
	return cancelled
}

// CancelAll silently drops every pending entry. Used on orchestration
// cancellation and shutdown.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.pending))
	for _, en := range t.pending {
		entries = append(entries, en)
	}
	t.pending = make(map[amcp.CorrelationID]*entry)
	t.mu.Unlock()

	for _, en := range entries {
		en.once.Do(func() {
			en.timer.Stop()
		})
	}
}

// Pending returns how many continuations are outstanding.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) expire(en *entry) {
	t.mu.Lock()
	current, ok := t.pending[en.id]
	if ok && current == en {
		delete(t.pending, en.id)
	}
	t.mu.Unlock()

	en.once.Do(func() {
		if en.onTimeout != nil {
			en.onTimeout()
		}
	})
}
