// ABOUTME: Dependency-ordered task graph with duplicate detection and linearizable claiming
// ABOUTME: DAG validation, capability-filtered claim selection, status transitions, eviction release

package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/store"
)

// Task graph errors
var (
	ErrValidation        = errors.New("validation failed")
	ErrCycle             = errors.New("dependency cycle")
	ErrDuplicateTask     = errors.New("near-duplicate task")
	ErrNotPermitted      = errors.New("not permitted")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAgentBusy         = errors.New("agent already has an assigned task")
)

// Advisor is the slice of the knowledge store the graph depends on: the
// Duplicate/Placement Advisor plus description indexing for the advisor pool.
type Advisor interface {
	DuplicateCheck(ctx context.Context, text, poolTag string, threshold float64) (*knowledge.Match, error)
	Index(ctx context.Context, sourceRef, content string, tags []string) (int, error)
	Forget(ctx context.Context, sourceRef string) error
}

// Graph coordinates the task DAG. All eligibility-check-and-assign sequences
// run under one mutex, which makes task claiming linearizable: two concurrent
// claims can never both win the same task.
type Graph struct {
	mu        sync.Mutex
	store     store.Store
	advisor   Advisor // nil disables duplicate detection and indexing
	bus       *events.Bus
	threshold float64
	logger    *slog.Logger
}

// New creates a task graph.
func New(st store.Store, advisor Advisor, bus *events.Bus, duplicateThreshold float64) *Graph {
	return &Graph{
		store:     st,
		advisor:   advisor,
		bus:       bus,
		threshold: duplicateThreshold,
		logger:    slog.Default().With("component", "taskgraph"),
	}
}

// taskSource is the knowledge source ref holding a task's description.
func taskSource(taskID string) string {
	return "task:" + taskID
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Title          string
	Description    string
	Dependencies   []string
	ParentID       *string
	RequiredTags   []string
	RequestedBy    string
	RequesterRole  string
	AllowDuplicate bool // explicit override for duplicate detection
}

// Create validates and inserts a new pending task.
//
// Rejections are synchronous and typed: ErrNotPermitted for read-only roles,
// ErrValidation for malformed input or unknown dependencies, ErrCycle if the
// dependency edges would not stay acyclic, ErrDuplicateTask if the advisor
// finds a near-duplicate above threshold and no override was given. Advisor
// unavailability fails open: creation proceeds without duplicate detection.
func (g *Graph) Create(ctx context.Context, params CreateParams) (*store.Task, error) {
	if params.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if params.RequesterRole == store.RoleResearcher {
		return nil, fmt.Errorf("%w: role %s is read-only", ErrNotPermitted, params.RequesterRole)
	}

	// Reference checks run once up front for fast failure and again under
	// the lock before insert (a dependency could be archived in between).
	if err := g.checkRefs(ctx, params); err != nil {
		return nil, err
	}

	// Duplicate/Placement Advisor, fail-open on provider trouble. The
	// provider call stays outside the graph lock so claims and transitions
	// never wait on embedding I/O.
	if g.advisor != nil && !params.AllowDuplicate {
		match, err := g.advisor.DuplicateCheck(ctx, params.Description, knowledge.TagTask, g.threshold)
		if err != nil {
			g.logger.Warn("duplicate check unavailable, proceeding without it", "error", err)
		} else if match != nil {
			return nil, fmt.Errorf("%w: %.0f%% similar to %s", ErrDuplicateTask, match.Score*100, match.SourceRef)
		}
	}

	task, err := g.insert(ctx, params)
	if err != nil {
		return nil, err
	}

	// Feed the advisor pool; indexing failure never fails the create
	if g.advisor != nil {
		if _, err := g.advisor.Index(ctx, taskSource(task.ID), params.Description, []string{knowledge.TagTask}); err != nil {
			g.logger.Warn("failed to index task description", "task_id", task.ID, "error", err)
		}
	}

	g.logger.Info("task created", "task_id", task.ID, "deps", len(params.Dependencies), "requested_by", params.RequestedBy)
	g.publishStatus(task)
	return task, nil
}

// checkRefs validates that dependencies are unique and that every referenced
// task exists.
func (g *Graph) checkRefs(ctx context.Context, params CreateParams) error {
	seen := make(map[string]bool, len(params.Dependencies))
	for _, dep := range params.Dependencies {
		if seen[dep] {
			return fmt.Errorf("%w: duplicate dependency %s", ErrValidation, dep)
		}
		seen[dep] = true
		if _, err := g.store.GetTask(ctx, dep); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: dependency %s does not exist", ErrValidation, dep)
			}
			return fmt.Errorf("checking dependency: %w", err)
		}
	}
	if params.ParentID != nil {
		if _, err := g.store.GetTask(ctx, *params.ParentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: parent %s does not exist", ErrValidation, *params.ParentID)
			}
			return fmt.Errorf("checking parent: %w", err)
		}
	}
	return nil
}

// insert re-validates references and writes the new pending task, all under
// the graph lock.
func (g *Graph) insert(ctx context.Context, params CreateParams) (*store.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkRefs(ctx, params); err != nil {
		return nil, err
	}

	id := uuid.New().String()

	// A fresh node cannot be depended upon yet, so the only possible cycle
	// through it is a self-edge; still run the full check so the invariant
	// holds no matter how edges arrive.
	edges, err := g.store.ListTaskEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}
	for _, dep := range params.Dependencies {
		edges = append(edges, store.TaskEdge{TaskID: id, DependsOn: dep})
	}
	if hasCycle(edges) {
		return nil, fmt.Errorf("%w: dependencies of %q", ErrCycle, params.Title)
	}

	now := time.Now().UTC()
	task := &store.Task{
		ID:           id,
		Title:        params.Title,
		Description:  params.Description,
		Status:       store.TaskPending,
		Dependencies: params.Dependencies,
		RequiredTags: params.RequiredTags,
		ParentID:     params.ParentID,
		CreatedBy:    params.RequestedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	return task, nil
}

// AddDependency inserts a new edge task -> dependsOn. Only an admin or the
// task's creator may add edges, and only while the task is pending.
// Rejected with ErrCycle if the edge would close a cycle; the graph is
// unchanged on rejection.
func (g *Graph) AddDependency(ctx context.Context, taskID, dependsOn, actorID, actorRole string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if actorRole != store.RoleAdmin && task.CreatedBy != actorID {
		return fmt.Errorf("%w: only admin or creator may add dependencies", ErrNotPermitted)
	}
	if task.Status != store.TaskPending {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, task.Status)
	}
	if _, err := g.store.GetTask(ctx, dependsOn); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: dependency %s does not exist", ErrValidation, dependsOn)
		}
		return err
	}

	edges, err := g.store.ListTaskEdges(ctx)
	if err != nil {
		return fmt.Errorf("loading edges: %w", err)
	}
	edges = append(edges, store.TaskEdge{TaskID: taskID, DependsOn: dependsOn})
	if hasCycle(edges) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, taskID, dependsOn)
	}

	if err := g.store.AddTaskEdge(ctx, store.TaskEdge{TaskID: taskID, DependsOn: dependsOn}); err != nil {
		return fmt.Errorf("adding edge: %w", err)
	}
	g.logger.Debug("dependency added", "task_id", taskID, "depends_on", dependsOn)
	return nil
}

// hasCycle runs an iterative DFS over the edge list.
func hasCycle(edges []store.TaskEdge) bool {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOn)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int)

	var visit func(node string) bool
	visit = func(node string) bool {
		state[node] = visiting
		for _, next := range adj[node] {
			switch state[next] {
			case visiting:
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		state[node] = done
		return false
	}

	for node := range adj {
		if state[node] == unvisited && visit(node) {
			return true
		}
	}
	return false
}

// ClaimNext deterministically selects the next eligible task for the agent
// and atomically assigns it. Eligible tasks are pending, have all
// dependencies completed, and either declare no required tags or share at
// least one with the agent's capabilities. Preference order: tasks whose
// parent already has a completed child (locality), then earliest creation
// time. Returns (nil, nil) when no task is eligible — a normal empty result.
//
// The single-assignment rule is enforced against the stored task rows inside
// the critical section, not the caller's agent snapshot, so two racing claims
// by the same agent cannot both win.
func (g *Graph) ClaimNext(ctx context.Context, agent *store.Agent) (*store.Task, error) {
	if agent.Role == store.RoleResearcher {
		return nil, fmt.Errorf("%w: role %s is read-only", ErrNotPermitted, agent.Role)
	}
	if agent.AssignedTaskID != nil {
		return nil, fmt.Errorf("%w: task %s", ErrAgentBusy, *agent.AssignedTaskID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tasks, err := g.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	status := make(map[string]string, len(tasks))
	completedChildren := make(map[string]int)
	for _, t := range tasks {
		status[t.ID] = t.Status
		if t.Status == store.TaskCompleted && t.ParentID != nil {
			completedChildren[*t.ParentID]++
		}
		if (t.Status == store.TaskAssigned || t.Status == store.TaskInProgress) &&
			t.AssignedAgentID != nil && *t.AssignedAgentID == agent.ID {
			return nil, fmt.Errorf("%w: task %s", ErrAgentBusy, t.ID)
		}
	}

	var eligible []*store.Task
	for _, t := range tasks {
		if t.Status != store.TaskPending {
			continue
		}
		if !depsCompleted(t, status) {
			continue
		}
		if !tagsIntersect(t.RequiredTags, agent.Capabilities) {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		li := locality(eligible[i], completedChildren)
		lj := locality(eligible[j], completedChildren)
		if li != lj {
			return li
		}
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	winner := eligible[0]
	winner.Status = store.TaskAssigned
	winner.AssignedAgentID = &agent.ID
	winner.UpdatedAt = time.Now().UTC()
	if err := g.store.UpdateTask(ctx, winner); err != nil {
		return nil, fmt.Errorf("assigning task: %w", err)
	}

	g.logger.Info("task claimed", "task_id", winner.ID, "agent_id", agent.ID)
	g.publishStatus(winner)
	return winner, nil
}

// depsCompleted reports whether every dependency of t is completed.
func depsCompleted(t *store.Task, status map[string]string) bool {
	for _, dep := range t.Dependencies {
		if status[dep] != store.TaskCompleted {
			return false
		}
	}
	return true
}

// tagsIntersect reports whether required is empty or shares a tag with have.
func tagsIntersect(required, have []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		for _, h := range have {
			if r == h {
				return true
			}
		}
	}
	return false
}

// locality reports whether t's parent already has a completed child.
func locality(t *store.Task, completedChildren map[string]int) bool {
	return t.ParentID != nil && completedChildren[*t.ParentID] > 0
}

// allowedTransitions maps a status to the statuses it may move to through
// UpdateStatus. Assignment happens only through ClaimNext; release back to
// pending only through Release.
var allowedTransitions = map[string][]string{
	store.TaskPending:    {store.TaskBlocked, store.TaskCancelled},
	store.TaskAssigned:   {store.TaskInProgress, store.TaskCompleted, store.TaskBlocked, store.TaskCancelled},
	store.TaskInProgress: {store.TaskCompleted, store.TaskBlocked, store.TaskCancelled},
	store.TaskBlocked:    {store.TaskPending, store.TaskCancelled},
	store.TaskCompleted:  {},
	store.TaskCancelled:  {},
}

// UpdateStatus transitions a task. Only the assigned agent or an admin may
// transition it. Completing a task makes dependents claimable lazily: their
// eligibility is recomputed by the next ClaimNext, not pushed.
func (g *Graph) UpdateStatus(ctx context.Context, taskID, newStatus, actorID, actorRole string) (*store.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if actorRole != store.RoleAdmin {
		if task.AssignedAgentID == nil || *task.AssignedAgentID != actorID {
			return nil, fmt.Errorf("%w: task %s is not assigned to %s", ErrNotPermitted, taskID, actorID)
		}
	}

	if !transitionAllowed(task.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, newStatus)
	}

	task.Status = newStatus
	if newStatus == store.TaskBlocked {
		// A blocked task occupies no agent slot and must not carry its old
		// assignee back through blocked -> pending into the next claim.
		task.AssignedAgentID = nil
	}
	task.UpdatedAt = time.Now().UTC()
	if err := g.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}

	// Duplicate detection scopes to live work only: a finished task leaves
	// the advisor pool so similar new tasks are not rejected against it.
	if g.advisor != nil && (newStatus == store.TaskCompleted || newStatus == store.TaskCancelled) {
		if err := g.advisor.Forget(ctx, taskSource(taskID)); err != nil {
			g.logger.Warn("failed to drop finished task from advisor pool", "task_id", taskID, "error", err)
		}
	}

	g.logger.Info("task status changed", "task_id", taskID, "status", newStatus, "actor", actorID)
	g.publishStatus(task)
	return task, nil
}

func transitionAllowed(from, to string) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Release returns an assigned or in-progress task to pending and clears the
// assignment; the notes history is untouched. Used on agent eviction.
// Releasing a task in any other state is a no-op.
func (g *Graph) Release(ctx context.Context, taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Status != store.TaskAssigned && task.Status != store.TaskInProgress {
		return nil
	}

	task.Status = store.TaskPending
	task.AssignedAgentID = nil
	task.UpdatedAt = time.Now().UTC()
	if err := g.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("releasing task: %w", err)
	}

	g.logger.Info("task released to pending", "task_id", taskID)
	g.publishStatus(task)
	return nil
}

// AddNote appends an entry to the task's append-only notes log.
func (g *Graph) AddNote(ctx context.Context, taskID, author, text string) (*store.TaskNote, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: note text is required", ErrValidation)
	}
	if _, err := g.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	note := &store.TaskNote{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Author:    author,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := g.store.AddTaskNote(ctx, note); err != nil {
		return nil, fmt.Errorf("adding note: %w", err)
	}
	return note, nil
}

// Notes returns the task's notes in chronological order.
func (g *Graph) Notes(ctx context.Context, taskID string) ([]*store.TaskNote, error) {
	return g.store.ListTaskNotes(ctx, taskID)
}

// Archive permanently removes a task and its advisor pool entry. Admin only;
// this is the only path that destroys a task — completion never does.
func (g *Graph) Archive(ctx context.Context, taskID, actorRole string) error {
	if actorRole != store.RoleAdmin {
		return fmt.Errorf("%w: only admin may archive", ErrNotPermitted)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	if g.advisor != nil {
		if err := g.advisor.Forget(ctx, taskSource(taskID)); err != nil {
			g.logger.Warn("failed to drop archived task from advisor pool", "task_id", taskID, "error", err)
		}
	}
	g.logger.Info("task archived", "task_id", taskID)
	return nil
}

// Get returns one task.
func (g *Graph) Get(ctx context.Context, taskID string) (*store.Task, error) {
	return g.store.GetTask(ctx, taskID)
}

// List returns tasks, optionally by status.
func (g *Graph) List(ctx context.Context, statusFilter string, limit int) ([]*store.Task, error) {
	return g.store.ListTasks(ctx, store.TaskFilter{Status: statusFilter, Limit: limit})
}

func (g *Graph) publishStatus(task *store.Task) {
	if g.bus == nil {
		return
	}
	payload := map[string]any{
		"task_id": task.ID,
		"status":  task.Status,
	}
	if task.AssignedAgentID != nil {
		payload["agent_id"] = *task.AssignedAgentID
	}
	g.bus.Publish(events.TypeTaskStatusChanged, payload)
}
