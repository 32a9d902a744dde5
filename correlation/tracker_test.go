package correlation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
)

func responseFor(id amcp.CorrelationID) *event.Event {
	return event.MustNew("task.response.x", nil, event.WithCorrelationID(id))
}

func TestResponseCompletesOnce(t *testing.T) {
	tr := New(nil)
	id := amcp.NewCorrelationID()

	var responses, timeouts atomic.Int32
	require.NoError(t, tr.Register(id, time.Minute,
		func(*event.Event) { responses.Add(1) },
		func() { timeouts.Add(1) },
	))

	assert.True(t, tr.Resolve(responseFor(id)))
	assert.False(t, tr.Resolve(responseFor(id)), "duplicate response is dropped")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), responses.Load())
	assert.Equal(t, int32(0), timeouts.Load())
	assert.Equal(t, 0, tr.Pending())
}

func TestTimeoutFiresWhenNoResponse(t *testing.T) {
	tr := New(nil)
	id := amcp.NewCorrelationID()

	timedOut := make(chan struct{})
	require.NoError(t, tr.Register(id, 10*time.Millisecond,
		func(*event.Event) { t.Error("response callback must not fire") },
		func() { close(timedOut) },
	))

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("timeout callback never fired")
	}
	assert.False(t, tr.Resolve(responseFor(id)), "response after timeout is dropped")
	assert.Equal(t, 0, tr.Pending())
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	tr := New(nil)
	id := amcp.NewCorrelationID()
	require.NoError(t, tr.Register(id, time.Minute, nil, nil))
	err := tr.Register(id, time.Minute, nil, nil)
	assert.True(t, amcp.IsKind(err, amcp.KindInvalidInput))
}

func TestCancelSuppressesBothCallbacks(t *testing.T) {
	tr := New(nil)
	id := amcp.NewCorrelationID()

	var fired atomic.Int32
	require.NoError(t, tr.Register(id, 20*time.Millisecond,
		func(*event.Event) { fired.Add(1) },
		func() { fired.Add(1) },
	))
	assert.True(t, tr.Cancel(id))
	assert.False(t, tr.Cancel(id))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestCancelAll(t *testing.T) {
	tr := New(nil)
	var fired atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Register(amcp.NewCorrelationID(), 20*time.Millisecond,
			func(*event.Event) { fired.Add(1) },
			func() { fired.Add(1) },
		))
	}
	require.Equal(t, 10, tr.Pending())
	tr.CancelAll()
	assert.Equal(t, 0, tr.Pending())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestEventsWithoutCorrelationAreIgnored(t *testing.T) {
	tr := New(nil)
	assert.False(t, tr.Resolve(event.MustNew("task.response.x", nil)))
}

// Completion fires exactly once even when a response races the deadline.
func TestCompletionExactlyOnceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	properties.Property("response and timeout are mutually exclusive", prop.ForAll(
		func(timeoutMicros int, delayMicros int) bool {
			tr := New(nil)
			id := amcp.NewCorrelationID()

			var completions atomic.Int32
			var wg sync.WaitGroup
			done := make(chan struct{})
			if err := tr.Register(id, time.Duration(timeoutMicros)*time.Microsecond,
				func(*event.Event) { completions.Add(1); close(done) },
				func() { completions.Add(1); close(done) },
			); err != nil {
				return false
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Duration(delayMicros) * time.Microsecond)
				tr.Resolve(responseFor(id))
			}()
			wg.Wait()

			select {
			case <-done:
			case <-time.After(time.Second):
				return false
			}
			// A second completion would panic on the closed channel; give
			// any straggler a moment to prove it does not exist.
			time.Sleep(time.Millisecond)
			return completions.Load() == 1 && tr.Pending() == 0
		},
		gen.IntRange(1, 500),
		gen.IntRange(1, 500),
	))
	properties.TestingRun(t)
}
