package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amcp "github.com/amcp-project/amcp-go"
	"github.com/amcp-project/amcp-go/event"
)

func startCounter(t *testing.T, c *Context) (amcp.AgentID, *counterAgent) {
	t.Helper()
	agent := &counterAgent{}
	require.NoError(t, c.RegisterAgentType("counter", func() Agent { return agent }))
	id, err := c.CreateAgent("counter")
	require.NoError(t, err)
	require.NoError(t, c.Activate(context.Background(), id))
	return id, agent
}

func TestBeginMigrationRequiresMobileAgent(t *testing.T) {
	c := newTestContext(t, "src")
	agent := newEchoAgent("x.*")
	require.NoError(t, c.RegisterAgentType("echo", func() Agent { return agent }))
	id, _ := c.CreateAgent("echo")
	require.NoError(t, c.Activate(context.Background(), id))

	_, err := c.BeginMigration(context.Background(), id, "dst")
	assert.True(t, amcp.IsKind(err, amcp.KindInvalidInput))
	st, _ := c.AgentState(id)
	assert.Equal(t, amcp.StateActive, st, "failed freeze must not change state")
}

func TestBeginMigrationFreezesAndSnapshots(t *testing.T) {
	c := newTestContext(t, "src")
	id, agent := startCounter(t, c)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Publish(context.Background(), event.MustNew("count.tick", nil)))
	}
	require.Eventually(t, func() bool { return agent.value() == 5 }, 2*time.Second, time.Millisecond)

	img, err := c.BeginMigration(context.Background(), id, "dst")
	require.NoError(t, err)
	assert.Equal(t, id, img.ID)
	assert.Equal(t, "counter", img.Type)
	assert.Equal(t, []string{"count.**"}, img.Subscriptions)
	assert.Equal(t, 1, agent.beforeMig)
	assert.JSONEq(t, `{"n":5}`, string(img.State))

	st, _ := c.AgentState(id)
	assert.Equal(t, amcp.StateMigrating, st)
}

func TestMigratingAgentParksEvents(t *testing.T) {
	c := newTestContext(t, "src")
	id, agent := startCounter(t, c)

	_, err := c.BeginMigration(context.Background(), id, "dst")
	require.NoError(t, err)

	// Events arriving while frozen are parked, not handled.
	require.NoError(t, c.Publish(context.Background(), event.MustNew("count.tick", nil)))
	require.NoError(t, c.Publish(context.Background(), event.MustNew("count.tick", nil)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, agent.value())

	require.NoError(t, c.AbortMigration(context.Background(), id))
	st, _ := c.AgentState(id)
	assert.Equal(t, amcp.StateActive, st)
	assert.Equal(t, 2, agent.value(), "parked events are delivered on abort")

	// Fresh events flow again after the abort.
	require.NoError(t, c.Publish(context.Background(), event.MustNew("count.tick", nil)))
	require.Eventually(t, func() bool { return agent.value() == 3 }, 2*time.Second, time.Millisecond)
}

func TestMigrationRoundTripPreservesState(t *testing.T) {
	src := newTestContext(t, "src")
	dst := newTestContext(t, "dst")

	id, agent := startCounter(t, src)
	for i := 0; i < 5; i++ {
		require.NoError(t, src.Publish(context.Background(), event.MustNew("count.tick", nil)))
	}
	require.Eventually(t, func() bool { return agent.value() == 5 }, 2*time.Second, time.Millisecond)

	img, err := src.BeginMigration(context.Background(), id, "dst")
	require.NoError(t, err)

	restored := &counterAgent{}
	require.NoError(t, dst.RegisterAgentType("counter", func() Agent { return restored }))
	require.NoError(t, dst.Install(context.Background(), img, "src"))
	require.NoError(t, src.CompleteMigration(context.Background(), id, true))

	// Identity and state survive the hop; the source forgets the agent.
	assert.Equal(t, 5, restored.value())
	assert.Equal(t, 1, restored.afterMig)
	st, err := dst.AgentState(id)
	require.NoError(t, err)
	assert.Equal(t, amcp.StateActive, st)
	_, err = src.AgentState(id)
	require.ErrorIs(t, err, amcp.ErrAgentNotFound)

	// The restored subscription is live on the destination.
	require.NoError(t, dst.Publish(context.Background(), event.MustNew("count.tick", nil)))
	require.Eventually(t, func() bool { return restored.value() == 6 }, 2*time.Second, time.Millisecond)
}

func TestInstallCollisionReportsAlreadyInstalled(t *testing.T) {
	src := newTestContext(t, "src")
	dst := newTestContext(t, "dst")

	id, _ := startCounter(t, src)
	img, err := src.BeginMigration(context.Background(), id, "dst")
	require.NoError(t, err)

	require.NoError(t, dst.RegisterAgentType("counter", func() Agent { return &counterAgent{} }))
	require.NoError(t, dst.Install(context.Background(), img, "src"))
	err = dst.Install(context.Background(), img, "src")
	require.ErrorIs(t, err, amcp.ErrAlreadyInstalled)
	assert.True(t, amcp.Recoverable(err), "a duplicate install is a retry artifact, not a failure")
}

func TestInstallUnknownTypeIsRecoverableRefusal(t *testing.T) {
	src := newTestContext(t, "src")
	dst := newTestContext(t, "dst")

	id, _ := startCounter(t, src)
	img, err := src.BeginMigration(context.Background(), id, "dst")
	require.NoError(t, err)

	err = dst.Install(context.Background(), img, "src")
	require.ErrorIs(t, err, amcp.ErrUnknownAgentType)
	assert.True(t, amcp.IsKind(err, amcp.KindMigration))
	assert.True(t, amcp.Recoverable(err))

	// The refusal leaves the destination clean and the source able to resume.
	assert.Empty(t, dst.AgentIDs())
	require.NoError(t, src.AbortMigration(context.Background(), id))
	st, _ := src.AgentState(id)
	assert.Equal(t, amcp.StateActive, st)
}

func TestInstallRestoreFailureDiscardsPartialInstance(t *testing.T) {
	src := newTestContext(t, "src")
	dst := newTestContext(t, "dst")

	id, _ := startCounter(t, src)
	img, err := src.BeginMigration(context.Background(), id, "dst")
	require.NoError(t, err)
	img.State = []byte("{corrupt")

	require.NoError(t, dst.RegisterAgentType("counter", func() Agent { return &counterAgent{} }))
	err = dst.Install(context.Background(), img, "src")
	require.Error(t, err)
	var merr *amcp.Error
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, amcp.KindMigration, merr.Kind)
	assert.True(t, merr.Recoverable)
	assert.Empty(t, dst.AgentIDs())
}

func TestCompleteMigrationRequiresMigratingState(t *testing.T) {
	c := newTestContext(t, "src")
	id, _ := startCounter(t, c)
	err := c.CompleteMigration(context.Background(), id, true)
	assert.True(t, amcp.IsKind(err, amcp.KindLifecycle))
}
