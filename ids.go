// Package amcp defines the shared vocabulary of the agent mesh runtime:
// identifiers, lifecycle states and the error taxonomy used by every
// subsystem. Higher-level packages (event, broker, mesh, mobility,
// orchestrator) build on these types.
package amcp

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AgentID identifies a logical agent. It is stable across migrations of the
// same agent and is composed of a human-readable agent type and an opaque
// unique suffix, separated by a dash.
type AgentID string

// NewAgentID allocates a fresh AgentID for the given agent type.
func NewAgentID(agentType string) AgentID {
	return AgentID(fmt.Sprintf("%s-%s", agentType, uuid.NewString()))
}

// Type returns the human-readable agent type prefix of the ID, or the whole
// ID when it carries no recognizable suffix.
func (id AgentID) Type() string {
	s := string(id)
	// The suffix is a UUID: 36 characters plus the separating dash.
	if len(s) > 37 && s[len(s)-37] == '-' {
		if _, err := uuid.Parse(s[len(s)-36:]); err == nil {
			return s[:len(s)-37]
		}
	}
	return s
}

// IsZero reports whether the ID is unset. System-injected events carry a
// zero sender.
func (id AgentID) IsZero() bool { return id == "" }

func (id AgentID) String() string { return string(id) }

// EventID identifies a single event instance. Event equality is defined by
// EventID equality.
type EventID string

// NewEventID allocates a globally unique EventID.
func NewEventID() EventID { return EventID(uuid.NewString()) }

func (id EventID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id EventID) IsZero() bool { return id == "" }

// CorrelationID links events belonging to one conversation: a request, its
// responses and any downstream requests fanned out on its behalf.
type CorrelationID string

// NewCorrelationID allocates a fresh CorrelationID.
func NewCorrelationID() CorrelationID { return CorrelationID(uuid.NewString()) }

// Derive produces a child correlation ID scoped by a label, keeping the
// parent as prefix so that responses can be traced back to the originating
// conversation.
func (c CorrelationID) Derive(label string) CorrelationID {
	return CorrelationID(fmt.Sprintf("%s.%s.%s", c, sanitizeLabel(label), uuid.NewString()[:8]))
}

// Root returns the originating correlation ID a derived ID descends from.
func (c CorrelationID) Root() CorrelationID {
	if i := strings.IndexByte(string(c), '.'); i > 0 {
		return CorrelationID(string(c)[:i])
	}
	return c
}

func (c CorrelationID) String() string { return string(c) }

// IsZero reports whether the ID is unset.
func (c CorrelationID) IsZero() bool { return c == "" }

func sanitizeLabel(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, label)
}
