package amcp

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure. Callers branch on kinds rather than on
// concrete error values so that wrapping never hides the classification.
type Kind int

const (
	// KindInvalidInput covers malformed topics, unknown agent types, bad
	// patterns and serialization mismatches. Not retried.
	KindInvalidInput Kind = iota
	// KindNotFound covers unknown agent IDs, capabilities and subscriptions.
	KindNotFound
	// KindLifecycle covers operations attempted in a state that forbids them.
	KindLifecycle
	// KindTimeout covers expired deadlines on LLM calls, task correlations,
	// mobility hand-offs and broker acknowledgements.
	KindTimeout
	// KindTransient covers failures worth retrying with backoff.
	KindTransient
	// KindUnavailable covers health-based refusals: open circuit breaker,
	// degraded broker, unreachable LLM.
	KindUnavailable
	// KindMigration covers failed mobility operations. The Recoverable flag
	// on the error decides whether the source resumes the agent.
	KindMigration
	// KindPolicy covers authentication or authorization rejections
	// propagated from the opaque security context.
	KindPolicy
)

var kindNames = map[Kind]string{
	KindInvalidInput: "invalid input",
	KindNotFound:     "not found",
	KindLifecycle:    "lifecycle violation",
	KindTimeout:      "timeout",
	KindTransient:    "transient",
	KindUnavailable:  "unavailable",
	KindMigration:    "migration failed",
	KindPolicy:       "policy violation",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the runtime's error type. Op names the failing operation,
// Recoverable is meaningful for KindMigration only.
type Error struct {
	Kind        Kind
	Op          string
	Message     string
	Recoverable bool
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two *Error values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
	}
	return false
}

// E builds an *Error. Args may contain a Kind, a wrapped error and a
// message string, in any order.
func E(op string, args ...any) error {
	e := &Error{Op: op, Kind: KindTransient}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case error:
			e.Err = a
		case string:
			e.Message = a
		}
	}
	return e
}

// Errorf builds an *Error with a formatted message.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or KindTransient when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Recoverable reports whether a migration error allows the source context to
// resume the agent. Errors without the flag are treated as recoverable.
func Recoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind != KindMigration || e.Recoverable
	}
	return true
}

// Sentinel errors shared across subsystems. Matched with errors.Is.
var (
	// ErrBrokerClosed is returned by publish and subscribe after Stop.
	ErrBrokerClosed = &Error{Kind: KindLifecycle, Message: "broker closed"}
	// ErrBrokerUnavailable is returned while the broker is DEGRADED.
	ErrBrokerUnavailable = &Error{Kind: KindUnavailable, Message: "broker unavailable"}
	// ErrInvalidTopic is returned for malformed topics and patterns.
	ErrInvalidTopic = &Error{Kind: KindInvalidInput, Message: "invalid topic"}
	// ErrUnknownAgentType is returned when no factory is registered.
	ErrUnknownAgentType = &Error{Kind: KindInvalidInput, Message: "unknown agent type"}
	// ErrAgentNotFound is returned for lookups of unknown agent IDs.
	ErrAgentNotFound = &Error{Kind: KindNotFound, Message: "agent not found"}
	// ErrActivationFailed is returned when OnActivate fails; the agent rolls
	// back to INACTIVE.
	ErrActivationFailed = &Error{Kind: KindLifecycle, Message: "activation failed"}
	// ErrAlreadyInstalled is reported by a destination that already hosts the
	// AgentID. Sources treat it as success (duplicate hand-off).
	ErrAlreadyInstalled = &Error{Kind: KindMigration, Message: "already installed", Recoverable: true}
	// ErrUnsupportedSnapshot is returned for unknown snapshot format versions.
	ErrUnsupportedSnapshot = &Error{Kind: KindInvalidInput, Message: "unsupported snapshot"}
	// ErrLLMUnavailable is returned once the LLM retry budget is exhausted
	// and no fallback produced a response.
	ErrLLMUnavailable = &Error{Kind: KindUnavailable, Message: "llm unavailable"}
	// ErrCircuitOpen is returned by a transport whose breaker is open.
	ErrCircuitOpen = &Error{Kind: KindUnavailable, Message: "circuit open"}
)
