package broker

import (
	"context"

	"github.com/amcp-project/amcp-go/event"
)

// Transport carries events between contexts. The in-memory broker works
// without one; attaching a transport turns every local publish into a remote
// fan-out and injects remote events into local routing.
//
// Implementations must not redeliver a context's own publishes back to it.
type Transport interface {
	// Publish ships the event to the other contexts.
	Publish(ctx context.Context, e *event.Event) error
	// Subscribe installs the receive callback. Called once before Start
	// returns; the transport owns the receive goroutine.
	Subscribe(ctx context.Context, receive func(e *event.Event)) error
	// Ping probes transport health. Used by the circuit breaker's recovery
	// loop.
	Ping(ctx context.Context) error
	Close() error
}
