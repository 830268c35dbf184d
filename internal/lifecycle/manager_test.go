// ABOUTME: Tests for agent registration, heartbeats, idle sweeping, and termination cascade
// ABOUTME: Covers capacity eviction, revocation, and full cleanup of tasks and locks

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
)

type fakeReleasers struct {
	mu            sync.Mutex
	releasedTasks []string
	releasedLocks []string
	heldPaths     []string
}

func (f *fakeReleasers) Release(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releasedTasks = append(f.releasedTasks, taskID)
	return nil
}

func (f *fakeReleasers) ReleaseAll(ctx context.Context, agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releasedLocks = append(f.releasedLocks, agentID)
	return f.heldPaths
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeReleasers, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	releasers := &fakeReleasers{}
	m := NewManager(st, nil, releasers, releasers, opts)
	t.Cleanup(m.Close)
	return m, releasers, st
}

func TestRegisterAndGet(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxAgents: 4})
	ctx := context.Background()

	agent, err := m.Register(ctx, store.RoleWorker, []string{"go", "sql"})
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, agent.Status)
	assert.Equal(t, []string{"go", "sql"}, agent.Capabilities)

	got, err := m.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxAgents: 4})
	_, err := m.Register(context.Background(), "overlord", nil)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestRegisterAtCapacityWithoutIdleAgents(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxAgents: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := m.Register(ctx, store.RoleWorker, nil)
		require.NoError(t, err)
	}

	_, err := m.Register(ctx, store.RoleWorker, nil)
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestRegisterEvictsLongestIdleAgent(t *testing.T) {
	m, _, st := newTestManager(t, Options{MaxAgents: 2, EvictIdleOnCapacity: true})
	ctx := context.Background()

	first, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)
	second, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)

	// force both idle with different heartbeat ages
	for _, a := range []*store.Agent{first, second} {
		got, err := st.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		got.Status = store.AgentIdle
		require.NoError(t, st.UpdateAgent(ctx, got))
	}
	older, err := st.GetAgent(ctx, first.ID)
	require.NoError(t, err)
	older.LastActiveAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.UpdateAgent(ctx, older))

	third, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)
	require.NotNil(t, third)

	evicted, err := st.GetAgent(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentTerminated, evicted.Status)

	kept, err := st.GetAgent(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, kept.Status)
}

func TestHeartbeatRevivesIdleAgent(t *testing.T) {
	m, _, st := newTestManager(t, Options{MaxAgents: 4})
	ctx := context.Background()

	agent, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	got.Status = store.AgentIdle
	require.NoError(t, st.UpdateAgent(ctx, got))

	require.NoError(t, m.Heartbeat(ctx, agent.ID))

	got, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, got.Status)
}

func TestHeartbeatRejectsTerminatedAgent(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxAgents: 4})
	ctx := context.Background()

	agent, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)
	require.NoError(t, m.Terminate(ctx, agent.ID))

	err = m.Heartbeat(ctx, agent.ID)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestTerminateCascade(t *testing.T) {
	m, releasers, st := newTestManager(t, Options{MaxAgents: 4})
	releasers.heldPaths = []string{"a.go", "b.go"}
	ctx := context.Background()

	agent, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)

	taskID := "task-123"
	require.NoError(t, m.SetAssignment(ctx, agent.ID, &taskID))

	require.NoError(t, m.Terminate(ctx, agent.ID))

	// the cascade ran synchronously: task released, locks released
	assert.Equal(t, []string{"task-123"}, releasers.releasedTasks)
	assert.Equal(t, []string{agent.ID}, releasers.releasedLocks)

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentTerminated, got.Status)
	assert.Nil(t, got.AssignedTaskID)

	// idempotent
	require.NoError(t, m.Terminate(ctx, agent.ID))
	assert.Len(t, releasers.releasedLocks, 1)
}

func TestIsRevoked(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxAgents: 4})
	ctx := context.Background()

	agent, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)
	assert.False(t, m.IsRevoked(agent.ID))

	require.NoError(t, m.Terminate(ctx, agent.ID))
	assert.True(t, m.IsRevoked(agent.ID))

	assert.True(t, m.IsRevoked("no-such-agent"))
}

func TestSweepIdleTransitions(t *testing.T) {
	m, releasers, st := newTestManager(t, Options{
		MaxAgents:       4,
		IdleTimeout:     20 * time.Millisecond,
		IdleGracePeriod: 20 * time.Millisecond,
	})
	releasers.heldPaths = []string{"c.go"}
	ctx := context.Background()

	agent, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)

	// not yet idle
	m.SweepIdle(ctx)
	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, got.Status)

	time.Sleep(25 * time.Millisecond)
	m.SweepIdle(ctx)
	got, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, got.Status)

	time.Sleep(25 * time.Millisecond)
	m.SweepIdle(ctx)
	got, err = st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentTerminated, got.Status)
	assert.Equal(t, []string{agent.ID}, releasers.releasedLocks)
}

func TestSweepIdleHeartbeatResetsClock(t *testing.T) {
	m, _, st := newTestManager(t, Options{
		MaxAgents:       4,
		IdleTimeout:     30 * time.Millisecond,
		IdleGracePeriod: time.Minute,
	})
	ctx := context.Background()

	agent, err := m.Register(ctx, store.RoleWorker, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Heartbeat(ctx, agent.ID))
	time.Sleep(20 * time.Millisecond)

	m.SweepIdle(ctx)
	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentActive, got.Status)
}
