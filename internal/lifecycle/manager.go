// ABOUTME: Agent lifecycle manager: registration under a capacity cap, heartbeats, idle eviction
// ABOUTME: Termination cascades synchronously through task release and lock release

package lifecycle

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
	"github.com/loomworks/loom/internal/store"
)

// Lifecycle errors
var (
	ErrCapacity    = errors.New("agent capacity exceeded")
	ErrTerminated  = errors.New("agent is terminated")
	ErrInvalidRole = errors.New("invalid role")
)

// TaskReleaser returns an evicted agent's task to the claimable pool.
type TaskReleaser interface {
	Release(ctx context.Context, taskID string) error
}

// LockReleaser drops every lock an evicted agent holds.
type LockReleaser interface {
	ReleaseAll(ctx context.Context, agentID string) []string
}

// Options configure the manager.
type Options struct {
	MaxAgents           int
	EvictIdleOnCapacity bool          // evict the longest-idle agent instead of refusing registration
	IdleTimeout         time.Duration // active -> idle after this long without a heartbeat
	IdleGracePeriod     time.Duration // idle -> terminated after this much longer
	SweepInterval       time.Duration // 0 disables the background sweeper
}

// Manager owns agent records and the liveness state machine. Registration,
// heartbeats, and eviction all serialize on one mutex so the capacity cap
// and the idle transitions are never raced.
type Manager struct {
	mu       sync.Mutex
	store    store.Store
	bus      *events.Bus
	tasks    TaskReleaser
	locks    LockReleaser
	opts     Options
	lastSeen map[string]time.Time // agent ID -> last heartbeat, non-terminated only
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once
}

// NewManager creates a lifecycle manager. tasks and locks may be nil in
// tests; production wiring always provides both so eviction cleans up fully.
func NewManager(st store.Store, bus *events.Bus, tasks TaskReleaser, locks LockReleaser, opts Options) *Manager {
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = 10
	}
	m := &Manager{
		store:    st,
		bus:      bus,
		tasks:    tasks,
		locks:    locks,
		opts:     opts,
		lastSeen: make(map[string]time.Time),
		logger:   slog.Default().With("component", "lifecycle"),
		done:     make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go m.sweepLoop(opts.SweepInterval)
	}
	return m
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}

func validRole(role string) bool {
	switch role {
	case store.RoleAdmin, store.RoleWorker, store.RoleResearcher:
		return true
	}
	return false
}

// Register creates a new active agent. When the non-terminated population is
// at capacity and eviction is enabled, the longest-idle idle agent is evicted
// to make room; otherwise registration fails with ErrCapacity.
func (m *Manager) Register(ctx context.Context, role string, capabilities []string) (*store.Agent, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	live, err := m.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	if len(live) >= m.opts.MaxAgents {
		var victim *store.Agent
		if m.opts.EvictIdleOnCapacity {
			victim = m.longestIdle(live)
		}
		if victim == nil {
			return nil, fmt.Errorf("%w: %d of %d slots in use and none idle", ErrCapacity, len(live), m.opts.MaxAgents)
		}
		if err := m.evictLocked(ctx, victim, "capacity"); err != nil {
			return nil, fmt.Errorf("evicting idle agent: %w", err)
		}
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:           uuid.New().String(),
		Role:         role,
		Capabilities: capabilities,
		Status:       store.AgentActive,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	m.lastSeen[agent.ID] = now

	m.logger.Info("agent registered", "agent_id", agent.ID, "role", role, "capabilities", capabilities)
	m.publishStatus(agent.ID, store.AgentActive)
	return agent, nil
}

// longestIdle returns the idle agent with the oldest heartbeat, or nil.
func (m *Manager) longestIdle(agents []*store.Agent) *store.Agent {
	var idle []*store.Agent
	for _, a := range agents {
		if a.Status == store.AgentIdle {
			idle = append(idle, a)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastActiveAt.Before(idle[j].LastActiveAt)
	})
	return idle[0]
}

// Heartbeat records liveness for the agent. An idle agent flips back to
// active; a terminated agent is rejected so a stale token cannot resurrect it.
func (m *Manager) Heartbeat(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touchLocked(ctx, agentID)
}

// Touch is Heartbeat's implicit form: every authenticated operation an agent
// performs counts as liveness.
func (m *Manager) Touch(ctx context.Context, agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.touchLocked(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("liveness touch failed", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) touchLocked(ctx context.Context, agentID string) error {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentTerminated {
		return ErrTerminated
	}

	now := time.Now().UTC()
	m.lastSeen[agentID] = now
	agent.LastActiveAt = now
	if agent.Status == store.AgentIdle {
		agent.Status = store.AgentActive
		m.publishStatus(agentID, store.AgentActive)
	}
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	return nil
}

// SetAssignment records the task an agent is working on (nil clears it).
func (m *Manager) SetAssignment(ctx context.Context, agentID string, taskID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentTerminated {
		return ErrTerminated
	}
	agent.AssignedTaskID = taskID
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	return nil
}

// Terminate runs the full termination cascade for an agent: its assigned
// task returns to pending, every file lock it holds is released, and only
// then is it marked terminated. The cascade is synchronous so no resource
// stays bound to a dead agent, even for a moment, once Terminate returns.
func (m *Manager) Terminate(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentTerminated {
		return nil
	}
	return m.evictLocked(ctx, agent, "requested")
}

// evictLocked runs the termination cascade. Callers hold m.mu.
func (m *Manager) evictLocked(ctx context.Context, agent *store.Agent, reason string) error {
	if agent.AssignedTaskID != nil && m.tasks != nil {
		if err := m.tasks.Release(ctx, *agent.AssignedTaskID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("releasing task %s: %w", *agent.AssignedTaskID, err)
		}
	}
	if m.locks != nil {
		if released := m.locks.ReleaseAll(ctx, agent.ID); len(released) > 0 {
			m.logger.Info("released locks on termination", "agent_id", agent.ID, "count", len(released))
		}
	}

	agent.Status = store.AgentTerminated
	agent.AssignedTaskID = nil
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("marking agent terminated: %w", err)
	}
	delete(m.lastSeen, agent.ID)

	m.logger.Info("agent terminated", "agent_id", agent.ID, "reason", reason)
	m.publishStatus(agent.ID, store.AgentTerminated)
	return nil
}

// IsRevoked reports whether an agent's tokens should be rejected. Terminated
// and unknown agents are revoked. Satisfies the auth revocation check.
func (m *Manager) IsRevoked(agentID string) bool {
	agent, err := m.store.GetAgent(context.Background(), agentID)
	if err != nil {
		return true
	}
	return agent.Status == store.AgentTerminated
}

// Get returns one agent.
func (m *Manager) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	return m.store.GetAgent(ctx, agentID)
}

// List returns agents, by default hiding terminated ones.
func (m *Manager) List(ctx context.Context, includeTerminated bool) ([]*store.Agent, error) {
	return m.store.ListAgents(ctx, store.AgentFilter{IncludeTerminated: includeTerminated})
}

// SweepIdle applies the liveness state machine once: active agents past the
// idle timeout become idle, idle agents past the grace period are evicted.
// The background sweeper calls this on a ticker; tests call it directly.
func (m *Manager) SweepIdle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents, err := m.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		m.logger.Error("idle sweep failed to list agents", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, agent := range agents {
		seen, ok := m.lastSeen[agent.ID]
		if !ok {
			// Recovered from persistence after a restart; start the clock now
			m.lastSeen[agent.ID] = now
			continue
		}
		idleFor := now.Sub(seen)

		switch agent.Status {
		case store.AgentActive:
			if m.opts.IdleTimeout > 0 && idleFor >= m.opts.IdleTimeout {
				agent.Status = store.AgentIdle
				if err := m.store.UpdateAgent(ctx, agent); err != nil {
					m.logger.Error("failed to mark agent idle", "agent_id", agent.ID, "error", err)
					continue
				}
				m.logger.Info("agent idle", "agent_id", agent.ID, "idle_for", idleFor)
				m.publishStatus(agent.ID, store.AgentIdle)
			}
		case store.AgentIdle:
			if m.opts.IdleGracePeriod > 0 && idleFor >= m.opts.IdleTimeout+m.opts.IdleGracePeriod {
				if err := m.evictLocked(ctx, agent, "idle timeout"); err != nil {
					m.logger.Error("failed to evict idle agent", "agent_id", agent.ID, "error", err)
				}
			}
		}
	}
}

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepIdle(context.Background())
		case <-m.done:
			return
		}
	}
}

func (m *Manager) publishStatus(agentID, status string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.TypeAgentStatusChanged, map[string]any{
		"agent_id": agentID,
		"status":   status,
	})
}
