// Package registry stores capability records: which agent advertises which
// capabilities, and on which context it currently resides. The registry
// endpoint update is the commit point of every mobility operation.
package registry

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	amcp "github.com/amcp-project/amcp-go"
)

// Record describes one registered agent.
type Record struct {
	AgentID       amcp.AgentID
	AgentType     string
	Capabilities  []string
	Endpoint      string
	LastHeartbeat time.Time
	Metadata      map[string]string
}

func (r Record) clone() Record {
	out := r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	out.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Has reports whether the record advertises the capability.
func (r Record) Has(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Config tunes heartbeat expiry.
type Config struct {
	// HeartbeatTTL is the staleness bound; cleanup removes records whose
	// last heartbeat is older.
	HeartbeatTTL time.Duration
	// CleanupInterval paces the background cleanup loop.
	CleanupInterval time.Duration
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTTL:    30 * time.Second,
		CleanupInterval: 10 * time.Second,
	}
}

// Registry is an in-memory capability registry with serialized writes and
// concurrent reads. Single-context operations are linearizable under the
// lock; federated deployments replicate records eventually, so callers must
// tolerate stale endpoints.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	records map[amcp.AgentID]Record
}

// New builds an empty registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultConfig().HeartbeatTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		records: make(map[amcp.AgentID]Record),
	}
}

// Register inserts or replaces the record for an agent. The heartbeat is
// refreshed.
func (r *Registry) Register(ctx context.Context, id amcp.AgentID, capabilities []string, endpoint string, metadata map[string]string) error {
	if id.IsZero() {
		return amcp.Errorf("registry.Register", amcp.KindInvalidInput, "empty agent id")
	}
	rec := Record{
		AgentID:       id,
		AgentType:     id.Type(),
		Capabilities:  append([]string(nil), capabilities...),
		Endpoint:      endpoint,
		LastHeartbeat: r.now(),
		Metadata:      make(map[string]string, len(metadata)),
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "Agent registered",
		"agent_id", id.String(),
		"endpoint", endpoint,
		"capabilities", capabilities,
	)
	return nil
}

// Heartbeat refreshes the liveness timestamp.
func (r *Registry) Heartbeat(id amcp.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return amcp.ErrAgentNotFound
	}
	rec.LastHeartbeat = r.now()
	r.records[id] = rec
	return nil
}

// Unregister removes the record. Removing an unknown agent is a no-op.
func (r *Registry) Unregister(id amcp.AgentID) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// UpdateEndpoint moves the record to a new endpoint. This is the mobility
// commit point: until it runs, lookups keep resolving the source context.
func (r *Registry) UpdateEndpoint(id amcp.AgentID, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return amcp.ErrAgentNotFound
	}
	rec.Endpoint = endpoint
	rec.LastHeartbeat = r.now()
	r.records[id] = rec
	return nil
}

// Lookup returns the record for an agent.
func (r *Registry) Lookup(id amcp.AgentID) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, amcp.ErrAgentNotFound
	}
	return rec.clone(), nil
}

// FindAgentsByCapability returns the agents advertising the capability,
// sorted by ID for deterministic selection.
func (r *Registry) FindAgentsByCapability(capability string) []amcp.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []amcp.AgentID
	for id, rec := range r.records {
		if rec.Has(capability) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FindAgentsByAllCapabilities returns the agents advertising every
// capability in the set.
func (r *Registry) FindAgentsByAllCapabilities(capabilities []string) []amcp.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []amcp.AgentID
	for id, rec := range r.records {
		all := true
		for _, c := range capabilities {
			if !rec.Has(c) {
				all = false
				break
			}
		}
		if all {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Records returns a snapshot of all records.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Cleanup removes records whose heartbeat is older than the TTL and returns
// how many were removed.
func (r *Registry) Cleanup() int {
	cutoff := r.now().Add(-r.cfg.HeartbeatTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.records {
		if rec.LastHeartbeat.Before(cutoff) {
			delete(r.records, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Stale capability records removed", "count", removed)
	}
	return removed
}

// StartCleanupLoop runs Cleanup on the configured interval until ctx is
// canceled.
func (r *Registry) StartCleanupLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}
