package mobility

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
	"github.com/amcp-project/amcp-go/internal/observability"
	"github.com/amcp-project/amcp-go/mesh"
)

// TargetPolicy selects the destination for Migrate.
type TargetPolicy string

const (
	// PolicyNamed moves to the explicitly named target.
	PolicyNamed TargetPolicy = "named"
	// PolicyLoadBalanced round-robins over the candidate set.
	PolicyLoadBalanced TargetPolicy = "load-balanced"
	// PolicyLeastLatency probes every candidate and picks the fastest.
	PolicyLeastLatency TargetPolicy = "least-latency"
)

// ParseTargetPolicy maps a configuration string to a TargetPolicy.
func ParseTargetPolicy(s string) (TargetPolicy, error) {
	switch TargetPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyNamed:
		return PolicyNamed, nil
	case PolicyLoadBalanced:
		return PolicyLoadBalanced, nil
	case PolicyLeastLatency:
		return PolicyLeastLatency, nil
	}
	return "", amcp.Errorf("mobility.ParseTargetPolicy", amcp.KindInvalidInput,
		"unknown target policy %q", s)
}

// MigrateOptions steers the heuristic dispatch variant.
type MigrateOptions struct {
	Policy TargetPolicy
	// Target is the destination for PolicyNamed.
	Target string
	// Candidates is the endpoint pool for the selection policies.
	Candidates []string
	// Failover tries the next candidate when a target refuses the install.
	Failover bool
	// PreservePending keeps events parked during the hand-off and returns
	// them to the broker for redelivery to the destination.
	PreservePending bool
}

// Config bounds mobility operations.
type Config struct {
	// OperationTimeout caps one complete hand-off, probe to commit.
	OperationTimeout time.Duration
	// ProbeTimeout caps a single destination probe.
	ProbeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		OperationTimeout: 30 * time.Second,
		ProbeTimeout:     3 * time.Second,
	}
}

// Manager implements the strong-mobility operations for one local context.
// Agent state moves with the agent; code never moves, so both ends must
// have the agent type registered. The capability registry update is the
// commit point of every move: until it names the destination, capability
// queries keep resolving the source.
type Manager struct {
	cfg       Config
	local     *mesh.Context
	transport Transport
	logger    *slog.Logger
	trace     *observability.TraceManager
	metrics   *observability.MetricsManager

	rr atomic.Uint64
}

func NewManager(cfg Config, local *mesh.Context, transport Transport, logger *slog.Logger, tm *observability.TraceManager, mm *observability.MetricsManager) (*Manager, error) {
	if local == nil || transport == nil {
		return nil, amcp.Errorf("mobility.NewManager", amcp.KindInvalidInput, "context and transport are required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultConfig().OperationTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if tm == nil {
		tm = observability.NewTraceManager("amcp-mobility")
	}
	if mm == nil {
		var err error
		mm, err = observability.NewMetricsManager(otel.Meter("amcp-mobility"))
		if err != nil {
			return nil, err
		}
	}
	return &Manager{
		cfg:       cfg,
		local:     local,
		transport: transport,
		logger:    logger,
		trace:     tm,
		metrics:   mm,
	}, nil
}

// Dispatch moves an agent to the destination context and deletes it here.
// A refused or failed install resumes the source agent when the failure is
// recoverable; the returned error keeps the refusal cause.
func (m *Manager) Dispatch(ctx context.Context, id amcp.AgentID, destination string) error {
	return m.dispatch(ctx, id, destination, true)
}

func (m *Manager) dispatch(ctx context.Context, id amcp.AgentID, destination string, preservePending bool) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	ctx, span := m.trace.StartMigrationSpan(ctx, "dispatch", id.String(), destination)
	defer span.End()
	start := time.Now()

	img, err := m.local.BeginMigration(ctx, id, destination)
	if err != nil {
		return m.fail(ctx, span, "dispatch", err)
	}
	snapshot, err := EncodeSnapshot(img)
	if err != nil {
		_ = m.local.AbortMigration(ctx, id)
		return m.fail(ctx, span, "dispatch", err)
	}

	if err := m.transport.Install(ctx, destination, snapshot, m.local.ID()); err != nil && !errors.Is(err, amcp.ErrAlreadyInstalled) {
		// A recoverable refusal resumes the agent here with parked events
		// delivered; anything else leaves it frozen for the operator.
		if amcp.Recoverable(err) {
			if abortErr := m.local.AbortMigration(ctx, id); abortErr != nil {
				m.logger.ErrorContext(ctx, "Source resume after refused install failed",
					"agent_id", id.String(), "error", abortErr)
			}
		}
		return m.fail(ctx, span, "dispatch", err)
	}

	// Commit point. From here on, capability queries resolve the destination.
	if err := m.local.Registry().UpdateEndpoint(id, destination); err != nil {
		m.logger.WarnContext(ctx, "Registry endpoint update failed after install",
			"agent_id", id.String(), "destination", destination, "error", err)
	}
	if err := m.local.CompleteMigration(ctx, id, preservePending); err != nil {
		return m.fail(ctx, span, "dispatch", err)
	}

	m.metrics.IncrementMigrations(ctx, "dispatch", true)
	m.metrics.RecordMigrationDuration(ctx, "dispatch", time.Since(start))
	m.trace.SetSpanSuccess(span)
	m.logger.InfoContext(ctx, "Agent dispatched",
		"agent_id", id.String(),
		"destination", destination,
		"duration", time.Since(start),
	)
	return nil
}

// Clone installs a copy of the agent on the destination under a fresh
// AgentID; the original keeps running here. Pending correlations stay with
// the original; the clone starts with none.
func (m *Manager) Clone(ctx context.Context, id amcp.AgentID, destination string) (amcp.AgentID, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	ctx, span := m.trace.StartMigrationSpan(ctx, "clone", id.String(), destination)
	defer span.End()
	start := time.Now()

	img, err := m.snapshotRunning(ctx, id, destination)
	if err != nil {
		return "", m.fail(ctx, span, "clone", err)
	}
	cloneID, err := m.installCopy(ctx, img, destination)
	if err != nil {
		return "", m.fail(ctx, span, "clone", err)
	}

	m.metrics.IncrementMigrations(ctx, "clone", true)
	m.metrics.RecordMigrationDuration(ctx, "clone", time.Since(start))
	m.trace.SetSpanSuccess(span)
	m.logger.InfoContext(ctx, "Agent cloned",
		"agent_id", id.String(),
		"clone_id", cloneID.String(),
		"destination", destination,
	)
	return cloneID, nil
}

// snapshotRunning freezes the agent only long enough to take a consistent
// snapshot, then resumes it.
func (m *Manager) snapshotRunning(ctx context.Context, id amcp.AgentID, destination string) (*mesh.Image, error) {
	img, err := m.local.BeginMigration(ctx, id, destination)
	if err != nil {
		return nil, err
	}
	if err := m.local.AbortMigration(ctx, id); err != nil {
		return nil, err
	}
	return img, nil
}

// installCopy ships img to the destination under a fresh AgentID and
// registers the copy in the capability registry. The source record is never
// touched.
func (m *Manager) installCopy(ctx context.Context, img *mesh.Image, destination string) (amcp.AgentID, error) {
	copyImg := *img
	copyImg.ID = amcp.NewAgentID(img.Type)
	snapshot, err := EncodeSnapshot(&copyImg)
	if err != nil {
		return "", err
	}
	if err := m.transport.Install(ctx, destination, snapshot, m.local.ID()); err != nil {
		return "", err
	}
	if len(copyImg.Capabilities) > 0 {
		if err := m.local.Registry().Register(ctx, copyImg.ID, copyImg.Capabilities, destination, copyImg.Metadata); err != nil {
			m.logger.WarnContext(ctx, "Clone registration failed",
				"clone_id", copyImg.ID.String(), "error", err)
		}
	}
	return copyImg.ID, nil
}

// Retract recalls an agent previously dispatched to the source context back
// here. It only crosses the immediate dispatch pair: the registry must name
// the source as the agent's current endpoint.
func (m *Manager) Retract(ctx context.Context, id amcp.AgentID, source string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	ctx, span := m.trace.StartMigrationSpan(ctx, "retract", id.String(), m.local.ID())
	defer span.End()
	start := time.Now()

	rec, err := m.local.Registry().Lookup(id)
	if err != nil {
		return m.fail(ctx, span, "retract", err)
	}
	if rec.Endpoint != source {
		return m.fail(ctx, span, "retract", amcp.Errorf("mobility.Retract", amcp.KindInvalidInput,
			"agent %s lives at %s, not at %s", id, rec.Endpoint, source))
	}

	snapshot, err := m.transport.Freeze(ctx, source, id, m.local.ID())
	if err != nil {
		return m.fail(ctx, span, "retract", err)
	}
	img, err := DecodeSnapshot(snapshot)
	if err != nil {
		_ = m.transport.Abort(ctx, source, id)
		return m.fail(ctx, span, "retract", err)
	}
	if err := m.local.Install(ctx, img, source); err != nil && !errors.Is(err, amcp.ErrAlreadyInstalled) {
		if abortErr := m.transport.Abort(ctx, source, id); abortErr != nil {
			m.logger.ErrorContext(ctx, "Remote resume after failed retract failed",
				"agent_id", id.String(), "source", source, "error", abortErr)
		}
		return m.fail(ctx, span, "retract", err)
	}

	if err := m.local.Registry().UpdateEndpoint(id, m.local.ID()); err != nil {
		m.logger.WarnContext(ctx, "Registry endpoint update failed after retract",
			"agent_id", id.String(), "error", err)
	}
	if err := m.transport.Commit(ctx, source, id); err != nil {
		m.logger.ErrorContext(ctx, "Remote destroy after retract failed",
			"agent_id", id.String(), "source", source, "error", err)
	}

	m.metrics.IncrementMigrations(ctx, "retract", true)
	m.metrics.RecordMigrationDuration(ctx, "retract", time.Since(start))
	m.trace.SetSpanSuccess(span)
	m.logger.InfoContext(ctx, "Agent retracted",
		"agent_id", id.String(),
		"source", source,
	)
	return nil
}

// Migrate is the heuristic dispatch: the options pick the destination and
// whether a refusal fails over to the next candidate. It returns the
// endpoint that finally accepted the agent.
func (m *Manager) Migrate(ctx context.Context, id amcp.AgentID, opts MigrateOptions) (string, error) {
	candidates, err := m.selectTargets(ctx, opts)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, destination := range candidates {
		err := m.dispatch(ctx, id, destination, opts.PreservePending)
		if err == nil {
			return destination, nil
		}
		lastErr = err
		if !opts.Failover || !amcp.Recoverable(err) {
			return "", err
		}
		m.logger.WarnContext(ctx, "Migration target refused, failing over",
			"agent_id", id.String(),
			"destination", destination,
			"error", err,
		)
	}
	if lastErr == nil {
		lastErr = amcp.Errorf("mobility.Migrate", amcp.KindInvalidInput, "no candidate targets")
	}
	return "", lastErr
}

// selectTargets orders candidate endpoints per the target policy.
func (m *Manager) selectTargets(ctx context.Context, opts MigrateOptions) ([]string, error) {
	switch opts.Policy {
	case PolicyNamed, "":
		if opts.Target == "" {
			return nil, amcp.Errorf("mobility.Migrate", amcp.KindInvalidInput, "named policy requires a target")
		}
		return []string{opts.Target}, nil

	case PolicyLoadBalanced:
		if len(opts.Candidates) == 0 {
			return nil, amcp.Errorf("mobility.Migrate", amcp.KindInvalidInput, "no candidate targets")
		}
		n := len(opts.Candidates)
		offset := int(m.rr.Add(1)-1) % n
		ordered := make([]string, 0, n)
		for i := 0; i < n; i++ {
			ordered = append(ordered, opts.Candidates[(offset+i)%n])
		}
		return ordered, nil

	case PolicyLeastLatency:
		if len(opts.Candidates) == 0 {
			return nil, amcp.Errorf("mobility.Migrate", amcp.KindInvalidInput, "no candidate targets")
		}
		type probed struct {
			endpoint string
			latency  time.Duration
		}
		reachable := make([]probed, 0, len(opts.Candidates))
		for _, endpoint := range opts.Candidates {
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			start := time.Now()
			err := m.transport.Probe(probeCtx, endpoint)
			cancel()
			if err != nil {
				m.logger.DebugContext(ctx, "Candidate probe failed",
					"endpoint", endpoint, "error", err)
				continue
			}
			reachable = append(reachable, probed{endpoint: endpoint, latency: time.Since(start)})
		}
		if len(reachable) == 0 {
			return nil, amcp.Errorf("mobility.Migrate", amcp.KindUnavailable, "no reachable candidate targets")
		}
		sort.Slice(reachable, func(i, j int) bool { return reachable[i].latency < reachable[j].latency })
		ordered := make([]string, len(reachable))
		for i, p := range reachable {
			ordered[i] = p.endpoint
		}
		return ordered, nil
	}
	return nil, amcp.Errorf("mobility.Migrate", amcp.KindInvalidInput, "unknown target policy %q", opts.Policy)
}

// ReplicationReport names the clones that made it and the targets that did
// not. Partial failure is an outcome, not an exception: callers decide
// whether the achieved replica count is enough.
type ReplicationReport struct {
	Clones map[string]amcp.AgentID
	Failed map[string]error
}

func (r *ReplicationReport) CloneIDs() []amcp.AgentID {
	ids := make([]amcp.AgentID, 0, len(r.Clones))
	for _, id := range r.Clones {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Replicate clones the agent to every target from one consistent snapshot.
// All copies carry identical state even when the original keeps mutating
// during the fan-out. An error is returned only when no target succeeded.
func (m *Manager) Replicate(ctx context.Context, id amcp.AgentID, targets ...string) (*ReplicationReport, error) {
	if len(targets) == 0 {
		return nil, amcp.Errorf("mobility.Replicate", amcp.KindInvalidInput, "no targets")
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	ctx, span := m.trace.StartMigrationSpan(ctx, "replicate", id.String(), strings.Join(targets, ","))
	defer span.End()
	start := time.Now()

	img, err := m.snapshotRunning(ctx, id, targets[0])
	if err != nil {
		return nil, m.fail(ctx, span, "replicate", err)
	}

	report := &ReplicationReport{
		Clones: make(map[string]amcp.AgentID, len(targets)),
		Failed: make(map[string]error),
	}
	for _, destination := range targets {
		cloneID, err := m.installCopy(ctx, img, destination)
		if err != nil {
			report.Failed[destination] = err
			continue
		}
		report.Clones[destination] = cloneID
	}

	if len(report.Clones) == 0 {
		return report, m.fail(ctx, span, "replicate", &amcp.Error{
			Kind: amcp.KindMigration, Op: "mobility.Replicate",
			Message: fmt.Sprintf("all %d targets refused", len(targets)), Recoverable: true,
		})
	}
	m.metrics.IncrementMigrations(ctx, "replicate", true)
	m.metrics.RecordMigrationDuration(ctx, "replicate", time.Since(start))
	m.trace.SetSpanSuccess(span)
	m.logger.InfoContext(ctx, "Agent replicated",
		"agent_id", id.String(),
		"clones", len(report.Clones),
		"failed", len(report.Failed),
	)
	return report, nil
}

// FederationTopicPrefix is the topic family shared by federation members.
const FederationTopicPrefix = "federation"

// FederationPattern returns the multicast pattern members of a federation
// subscribe to.
func FederationPattern(federationID string) string {
	return FederationTopicPrefix + "." + federationID + ".**"
}

// FederateWith joins locally hosted agents into a named federation: each
// member subscribes to the federation's multicast pattern and a membership
// event announces the roster. The federation is semantic; it has no
// coordinator and no shared state beyond the topic family.
func (m *Manager) FederateWith(ctx context.Context, ids []amcp.AgentID, federationID string) error {
	if federationID == "" || len(ids) == 0 {
		return amcp.Errorf("mobility.FederateWith", amcp.KindInvalidInput, "federation id and members are required")
	}
	pattern := FederationPattern(federationID)
	for _, id := range ids {
		if err := m.local.Subscribe(ctx, id, pattern, event.DeliveryOptions{Reliability: event.AtLeastOnce}); err != nil {
			return amcp.E("mobility.FederateWith", amcp.KindOf(err), err,
				"subscribing member "+id.String())
		}
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id.String()
	}
	payload, err := event.MapPayload(map[string]any{
		"federationId": federationID,
		"members":      members,
		"contextId":    m.local.ID(),
	})
	if err != nil {
		return amcp.E("mobility.FederateWith", amcp.KindInvalidInput, err)
	}
	announcement := event.MustNew(
		FederationTopicPrefix+"."+federationID+".membership",
		payload,
	)
	if err := m.local.Publish(ctx, announcement); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "Federation updated",
		"federation_id", federationID,
		"members", len(ids),
	)
	return nil
}

func (m *Manager) fail(ctx context.Context, span trace.Span, op string, err error) error {
	m.trace.RecordError(span, err)
	m.metrics.IncrementMigrations(ctx, op, false)
	return err
}
