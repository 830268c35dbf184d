// ABOUTME: Tests for task graph creation, claiming, transitions, and eviction release
// ABOUTME: Covers cycle rejection, duplicate advisor fail-open, and concurrent claim safety

package taskgraph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/store"
)

// fakeAdvisor is a scriptable stand-in for the knowledge service. When
// enterCh/gateCh are set, DuplicateCheck signals entry and then parks until
// the gate opens, simulating a slow embedding provider.
type fakeAdvisor struct {
	mu        sync.Mutex
	match     *knowledge.Match
	checkErr  error
	indexed   []string
	forgotten []string
	enterCh   chan struct{}
	gateCh    chan struct{}
}

func (f *fakeAdvisor) DuplicateCheck(ctx context.Context, text, poolTag string, threshold float64) (*knowledge.Match, error) {
	if f.enterCh != nil {
		f.enterCh <- struct{}{}
		<-f.gateCh
	}
	return f.match, f.checkErr
}

func (f *fakeAdvisor) Index(ctx context.Context, sourceRef, content string, tags []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, sourceRef)
	return 1, nil
}

func (f *fakeAdvisor) Forget(ctx context.Context, sourceRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, sourceRef)
	return nil
}

func newTestGraph(t *testing.T, advisor Advisor) *Graph {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, advisor, nil, 0.8)
}

func workerAgent(id string, capabilities ...string) *store.Agent {
	return &store.Agent{
		ID:           id,
		Role:         store.RoleWorker,
		Capabilities: capabilities,
		Status:       store.AgentActive,
	}
}

func mustCreate(t *testing.T, g *Graph, params CreateParams) *store.Task {
	t.Helper()
	if params.RequesterRole == "" {
		params.RequesterRole = store.RoleWorker
	}
	if params.RequestedBy == "" {
		params.RequestedBy = "agent-0"
	}
	task, err := g.Create(context.Background(), params)
	require.NoError(t, err)
	return task
}

func TestCreateRequiresDescription(t *testing.T) {
	g := newTestGraph(t, nil)
	_, err := g.Create(context.Background(), CreateParams{Title: "x", RequesterRole: store.RoleWorker})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateRejectsReadOnlyRole(t *testing.T) {
	g := newTestGraph(t, nil)
	_, err := g.Create(context.Background(), CreateParams{
		Title: "x", Description: "y", RequesterRole: store.RoleResearcher,
	})
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	g := newTestGraph(t, nil)
	_, err := g.Create(context.Background(), CreateParams{
		Title: "x", Description: "y",
		Dependencies:  []string{"no-such-task"},
		RequesterRole: store.RoleWorker,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateIndexesDescription(t *testing.T) {
	advisor := &fakeAdvisor{}
	g := newTestGraph(t, advisor)
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "build the parser"})
	require.Len(t, advisor.indexed, 1)
	assert.Equal(t, "task:"+task.ID, advisor.indexed[0])
}

func TestDuplicateDetectionRejects(t *testing.T) {
	advisor := &fakeAdvisor{match: &knowledge.Match{SourceRef: "task:other", Score: 0.93}}
	g := newTestGraph(t, advisor)
	_, err := g.Create(context.Background(), CreateParams{
		Title: "t", Description: "build the parser", RequesterRole: store.RoleWorker,
	})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestDuplicateDetectionOverride(t *testing.T) {
	advisor := &fakeAdvisor{match: &knowledge.Match{SourceRef: "task:other", Score: 0.93}}
	g := newTestGraph(t, advisor)
	task := mustCreate(t, g, CreateParams{
		Title: "t", Description: "build the parser", AllowDuplicate: true,
	})
	assert.Equal(t, store.TaskPending, task.Status)
}

func TestDuplicateDetectionFailsOpen(t *testing.T) {
	advisor := &fakeAdvisor{checkErr: knowledge.ErrProviderUnavailable}
	g := newTestGraph(t, advisor)
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "build the parser"})
	assert.Equal(t, store.TaskPending, task.Status)
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	a := mustCreate(t, g, CreateParams{Title: "a", Description: "a", RequestedBy: "admin-1"})
	b := mustCreate(t, g, CreateParams{
		Title: "b", Description: "b",
		Dependencies: []string{a.ID},
		RequestedBy:  "admin-1",
	})

	// a -> b would close the cycle a -> b -> a
	err := g.AddDependency(ctx, a.ID, b.ID, "admin-1", store.RoleAdmin)
	assert.ErrorIs(t, err, ErrCycle)

	// edge set is unchanged: b still claimable once a completes
	got, err := g.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)
}

func TestAddDependencyTransitive(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	a := mustCreate(t, g, CreateParams{Title: "a", Description: "a", RequestedBy: "admin-1"})
	b := mustCreate(t, g, CreateParams{Title: "b", Description: "b", Dependencies: []string{a.ID}, RequestedBy: "admin-1"})
	c := mustCreate(t, g, CreateParams{Title: "c", Description: "c", Dependencies: []string{b.ID}, RequestedBy: "admin-1"})

	err := g.AddDependency(ctx, a.ID, c.ID, "admin-1", store.RoleAdmin)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestClaimNextEmptyGraph(t *testing.T) {
	g := newTestGraph(t, nil)
	task, err := g.ClaimNext(context.Background(), workerAgent("w1"))
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimNextFIFO(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	first := mustCreate(t, g, CreateParams{Title: "first", Description: "first"})
	time.Sleep(5 * time.Millisecond)
	mustCreate(t, g, CreateParams{Title: "second", Description: "second"})

	task, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, first.ID, task.ID)
	assert.Equal(t, store.TaskAssigned, task.Status)
	require.NotNil(t, task.AssignedAgentID)
	assert.Equal(t, "w1", *task.AssignedAgentID)
}

func TestClaimNextCapabilityFilter(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	mustCreate(t, g, CreateParams{Title: "rust", Description: "rust work", RequiredTags: []string{"rust"}})
	goTask := mustCreate(t, g, CreateParams{Title: "go", Description: "go work", RequiredTags: []string{"go"}})

	task, err := g.ClaimNext(ctx, workerAgent("w1", "go", "python"))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, goTask.ID, task.ID)
}

func TestClaimNextUntaggedTaskMatchesAnyAgent(t *testing.T) {
	g := newTestGraph(t, nil)
	mustCreate(t, g, CreateParams{Title: "any", Description: "anyone can do this"})

	task, err := g.ClaimNext(context.Background(), workerAgent("w1", "haskell"))
	require.NoError(t, err)
	assert.NotNil(t, task)
}

func TestClaimNextDependencyGating(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	a := mustCreate(t, g, CreateParams{Title: "a", Description: "a"})
	b := mustCreate(t, g, CreateParams{Title: "b", Description: "b", Dependencies: []string{a.ID}})

	// only a is claimable while it is incomplete
	task, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, a.ID, task.ID)

	none, err := g.ClaimNext(ctx, workerAgent("w2"))
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = g.UpdateStatus(ctx, a.ID, store.TaskCompleted, "w1", store.RoleWorker)
	require.NoError(t, err)

	task, err = g.ClaimNext(ctx, workerAgent("w2"))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, b.ID, task.ID)
}

func TestClaimNextPrefersPartiallyCompletedParent(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	// the parent itself is kept unclaimable by a tag no worker here carries
	parent := mustCreate(t, g, CreateParams{Title: "parent", Description: "parent", RequiredTags: []string{"coordinator"}})

	childA := mustCreate(t, g, CreateParams{Title: "child-a", Description: "child a", ParentID: &parent.ID})
	time.Sleep(5 * time.Millisecond)
	mustCreate(t, g, CreateParams{Title: "unrelated", Description: "unrelated"})
	time.Sleep(5 * time.Millisecond)
	childB := mustCreate(t, g, CreateParams{Title: "child-b", Description: "child b", ParentID: &parent.ID})

	// no completed children yet, so plain FIFO applies and child-a wins
	task, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, childA.ID, task.ID)
	_, err = g.UpdateStatus(ctx, childA.ID, store.TaskCompleted, "w1", store.RoleWorker)
	require.NoError(t, err)

	// child-b jumps ahead of the older unrelated task
	task, err = g.ClaimNext(ctx, workerAgent("w2"))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, childB.ID, task.ID)
}

func TestClaimNextRejectsBusyAgent(t *testing.T) {
	g := newTestGraph(t, nil)
	mustCreate(t, g, CreateParams{Title: "t", Description: "t"})

	busy := workerAgent("w1")
	assigned := "some-task"
	busy.AssignedTaskID = &assigned
	_, err := g.ClaimNext(context.Background(), busy)
	assert.ErrorIs(t, err, ErrAgentBusy)
}

func TestClaimNextRejectsReadOnlyRole(t *testing.T) {
	g := newTestGraph(t, nil)
	agent := &store.Agent{ID: "r1", Role: store.RoleResearcher, Status: store.AgentActive}
	_, err := g.ClaimNext(context.Background(), agent)
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestConcurrentClaimsAssignOnce(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()
	only := mustCreate(t, g, CreateParams{Title: "only", Description: "only"})

	const claimers = 16
	var wg sync.WaitGroup
	winners := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := workerAgent("w" + string(rune('a'+n)))
			task, err := g.ClaimNext(ctx, agent)
			require.NoError(t, err)
			if task != nil {
				winners <- agent.ID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []string
	for id := range winners {
		won = append(won, id)
	}
	require.Len(t, won, 1)

	got, err := g.Get(ctx, only.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, won[0], *got.AssignedAgentID)
}

func TestUpdateStatusTransitions(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "t"})

	claimed, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)

	updated, err := g.UpdateStatus(ctx, task.ID, store.TaskInProgress, "w1", store.RoleWorker)
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, updated.Status)

	updated, err = g.UpdateStatus(ctx, task.ID, store.TaskCompleted, "w1", store.RoleWorker)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, updated.Status)

	// completed is terminal
	_, err = g.UpdateStatus(ctx, task.ID, store.TaskPending, "w1", store.RoleWorker)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStatusRequiresAssigneeOrAdmin(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "t"})

	_, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)

	_, err = g.UpdateStatus(ctx, task.ID, store.TaskInProgress, "w2", store.RoleWorker)
	assert.ErrorIs(t, err, ErrNotPermitted)

	_, err = g.UpdateStatus(ctx, task.ID, store.TaskCancelled, "admin-1", store.RoleAdmin)
	assert.NoError(t, err)
}

func TestReleaseReturnsTaskToPending(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "t"})

	_, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)

	_, err = g.AddNote(ctx, task.ID, "w1", "got halfway through")
	require.NoError(t, err)

	require.NoError(t, g.Release(ctx, task.ID))

	got, err := g.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.Status)
	assert.Nil(t, got.AssignedAgentID)

	notes, err := g.Notes(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "got halfway through", notes[0].Text)
}

func TestReleaseCompletedTaskIsNoOp(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "t"})

	_, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)
	_, err = g.UpdateStatus(ctx, task.ID, store.TaskCompleted, "w1", store.RoleWorker)
	require.NoError(t, err)

	require.NoError(t, g.Release(ctx, task.ID))

	got, err := g.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
}

func TestCompletedTaskDoesNotBlockSimilarWork(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	kn := knowledge.NewService(st, knowledge.NewStaticProvider(0), nil, knowledge.Options{})
	t.Cleanup(kn.Close)
	g := New(st, kn, nil, 0.95)
	ctx := context.Background()

	desc := "add a users table with email and password hash columns"
	a, err := g.Create(ctx, CreateParams{
		Title: "users table", Description: desc, RequesterRole: store.RoleWorker, RequestedBy: "w1",
	})
	require.NoError(t, err)

	// identical description is rejected while the first task is live
	_, err = g.Create(ctx, CreateParams{
		Title: "again", Description: desc, RequesterRole: store.RoleWorker, RequestedBy: "w2",
	})
	require.ErrorIs(t, err, ErrDuplicateTask)

	claimed, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)
	require.Equal(t, a.ID, claimed.ID)
	_, err = g.UpdateStatus(ctx, a.ID, store.TaskCompleted, "w1", store.RoleWorker)
	require.NoError(t, err)

	// once finished, the task no longer counts as a duplicate
	b, err := g.Create(ctx, CreateParams{
		Title: "again", Description: desc, RequesterRole: store.RoleWorker, RequestedBy: "w2",
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, b.Status)
}

func TestTerminalTransitionDropsAdvisorEntry(t *testing.T) {
	advisor := &fakeAdvisor{}
	g := newTestGraph(t, advisor)
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "t"})

	_, err := g.UpdateStatus(context.Background(), task.ID, store.TaskCancelled, "admin-1", store.RoleAdmin)
	require.NoError(t, err)
	assert.Contains(t, advisor.forgotten, "task:"+task.ID)
}

func TestClaimNextRejectsStaleAgentSnapshot(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()
	mustCreate(t, g, CreateParams{Title: "a", Description: "a"})
	mustCreate(t, g, CreateParams{Title: "b", Description: "b"})

	// the same pre-claim snapshot used twice, as two racing calls would
	snapshot := workerAgent("w1")
	first, err := g.ClaimNext(ctx, snapshot)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = g.ClaimNext(ctx, snapshot)
	assert.ErrorIs(t, err, ErrAgentBusy)
}

func TestClaimNextDoesNotWaitOnDuplicateCheck(t *testing.T) {
	advisor := &fakeAdvisor{enterCh: make(chan struct{}), gateCh: make(chan struct{})}
	g := newTestGraph(t, advisor)
	ctx := context.Background()

	// the seed task skips the duplicate check so only the second create parks
	ready := mustCreate(t, g, CreateParams{Title: "ready", Description: "ready", AllowDuplicate: true})

	done := make(chan error, 1)
	go func() {
		_, err := g.Create(ctx, CreateParams{
			Title: "slow", Description: "slow", RequesterRole: store.RoleWorker, RequestedBy: "w2",
		})
		done <- err
	}()
	<-advisor.enterCh // the creator is now inside the provider call

	// claiming proceeds while the duplicate check is in flight
	task, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, ready.ID, task.ID)

	close(advisor.gateCh)
	require.NoError(t, <-done)
}

func TestBlockedTaskClearsAssignment(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "t"})

	_, err := g.ClaimNext(ctx, workerAgent("w1"))
	require.NoError(t, err)

	blocked, err := g.UpdateStatus(ctx, task.ID, store.TaskBlocked, "w1", store.RoleWorker)
	require.NoError(t, err)
	assert.Nil(t, blocked.AssignedAgentID)

	// back through pending, another agent claims it with no stale assignee
	_, err = g.UpdateStatus(ctx, task.ID, store.TaskPending, "admin-1", store.RoleAdmin)
	require.NoError(t, err)

	got, err := g.ClaimNext(ctx, workerAgent("w2"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.AssignedAgentID)
	assert.Equal(t, "w2", *got.AssignedAgentID)
}

func TestArchiveIsAdminOnly(t *testing.T) {
	advisor := &fakeAdvisor{}
	g := newTestGraph(t, advisor)
	ctx := context.Background()
	task := mustCreate(t, g, CreateParams{Title: "t", Description: "t"})

	err := g.Archive(ctx, task.ID, store.RoleWorker)
	assert.ErrorIs(t, err, ErrNotPermitted)

	require.NoError(t, g.Archive(ctx, task.ID, store.RoleAdmin))
	_, err = g.Get(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, advisor.forgotten, "task:"+task.ID)
}
