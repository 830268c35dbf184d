// ABOUTME: Advisory per-path file lock coordinator with single-holder semantics
// ABOUTME: Atomic check-then-set acquisition, lazy expiry, and full release on agent eviction

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/store"
)

// ErrLockHeld is returned when a path is already locked by a different agent.
// Use HolderOf or the error message to learn the holder; callers retry later
// or pick other work — the coordinator never queues or blocks.
var ErrLockHeld = errors.New("lock held")

// ErrNotHolder is returned when releasing a path the agent does not hold.
var ErrNotHolder = errors.New("not the lock holder")

// ErrReadOnlyRole is returned when a read-only role tries to acquire a lock.
var ErrReadOnlyRole = errors.New("role may not acquire locks")

// Lock is one advisory lock over a path.
type Lock struct {
	Path       string
	AgentID    string
	AcquiredAt time.Time
	ExpiresAt  *time.Time
}

// expired reports whether the lock's optional expiry has passed.
func (l *Lock) expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// Coordinator owns the in-memory lock table. The table is authoritative;
// rows are mirrored to the store for the reconciliation pull APIs. All
// check-then-set sequences run under one mutex so two acquirers can never
// interleave.
type Coordinator struct {
	mu     sync.Mutex
	locks  map[string]*Lock
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// NewCoordinator creates a coordinator. store and bus may be nil in tests.
// If sweepInterval is positive, a background sweep drops expired locks for
// hygiene; correctness does not depend on it (expiry is checked lazily).
func NewCoordinator(st store.Store, bus *events.Bus, sweepInterval time.Duration) *Coordinator {
	c := &Coordinator{
		locks:  make(map[string]*Lock),
		store:  st,
		bus:    bus,
		logger: slog.Default().With("component", "lock"),
		done:   make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweep(sweepInterval)
	}
	return c
}

// Close stops the background sweep.
func (c *Coordinator) Close() {
	c.once.Do(func() { close(c.done) })
}

// Acquire takes the lock on path for the agent. A zero ttl means no expiry.
// Returns ErrLockHeld (with the holder's ID) if another agent holds the path;
// re-acquiring a path the agent already holds refreshes the expiry and
// succeeds. Never blocks on other agents.
func (c *Coordinator) Acquire(ctx context.Context, path, agentID string, ttl time.Duration) (*Lock, error) {
	if path == "" || agentID == "" {
		return nil, fmt.Errorf("path and agent_id are required")
	}

	now := time.Now().UTC()

	c.mu.Lock()
	existing, ok := c.locks[path]
	if ok && !existing.expired(now) && existing.AgentID != agentID {
		holder := existing.AgentID
		c.mu.Unlock()
		return nil, fmt.Errorf("%w by %s", ErrLockHeld, holder)
	}

	lock := &Lock{Path: path, AgentID: agentID, AcquiredAt: now}
	if ttl > 0 {
		expires := now.Add(ttl)
		lock.ExpiresAt = &expires
	}
	c.locks[path] = lock
	c.mu.Unlock()

	c.mirror(ctx, lock)
	c.logger.Debug("lock acquired", "path", path, "agent_id", agentID)
	if c.bus != nil {
		c.bus.Publish(events.TypeLockAcquired, map[string]any{
			"path":     path,
			"agent_id": agentID,
		})
	}
	return lock, nil
}

// Release drops the lock on path if the agent holds it.
// Returns ErrNotHolder if another agent holds it, or if the path is unlocked.
func (c *Coordinator) Release(ctx context.Context, path, agentID string) error {
	now := time.Now().UTC()

	c.mu.Lock()
	existing, ok := c.locks[path]
	if !ok || existing.expired(now) {
		// An expired lock is treated as already released
		if ok {
			delete(c.locks, path)
		}
		c.mu.Unlock()
		return ErrNotHolder
	}
	if existing.AgentID != agentID {
		c.mu.Unlock()
		return fmt.Errorf("%w: held by %s", ErrNotHolder, existing.AgentID)
	}
	delete(c.locks, path)
	c.mu.Unlock()

	c.unmirror(ctx, path)
	c.logger.Debug("lock released", "path", path, "agent_id", agentID)
	if c.bus != nil {
		c.bus.Publish(events.TypeLockReleased, map[string]any{
			"path":     path,
			"agent_id": agentID,
		})
	}
	return nil
}

// ReleaseAll drops every lock held by the agent. Used on termination and
// eviction. Returns the released paths.
func (c *Coordinator) ReleaseAll(ctx context.Context, agentID string) []string {
	c.mu.Lock()
	var released []string
	for path, lock := range c.locks {
		if lock.AgentID == agentID {
			delete(c.locks, path)
			released = append(released, path)
		}
	}
	c.mu.Unlock()

	if len(released) == 0 {
		return nil
	}

	if c.store != nil {
		if err := c.store.DeleteFileLocksByAgent(ctx, agentID); err != nil {
			c.logger.Error("failed to clear lock mirror rows", "agent_id", agentID, "error", err)
		}
	}
	for _, path := range released {
		if c.bus != nil {
			c.bus.Publish(events.TypeLockReleased, map[string]any{
				"path":     path,
				"agent_id": agentID,
			})
		}
	}
	c.logger.Info("released all locks for agent", "agent_id", agentID, "count", len(released))
	return released
}

// HolderOf returns the current holder of a path, or "" if unheld.
// Expired locks count as unheld.
func (c *Coordinator) HolderOf(path string) string {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[path]
	if !ok || lock.expired(now) {
		return ""
	}
	return lock.AgentID
}

// HeldBy returns every path the agent currently holds.
func (c *Coordinator) HeldBy(agentID string) []string {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	var paths []string
	for path, lock := range c.locks {
		if lock.AgentID == agentID && !lock.expired(now) {
			paths = append(paths, path)
		}
	}
	return paths
}

// List returns a snapshot of all live locks.
func (c *Coordinator) List() []*Lock {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()

	locks := make([]*Lock, 0, len(c.locks))
	for _, lock := range c.locks {
		if lock.expired(now) {
			continue
		}
		snapshot := *lock
		locks = append(locks, &snapshot)
	}
	return locks
}

// sweep periodically drops expired locks and their mirror rows.
func (c *Coordinator) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			c.mu.Lock()
			var dropped []string
			for path, lock := range c.locks {
				if lock.expired(now) {
					delete(c.locks, path)
					dropped = append(dropped, path)
				}
			}
			c.mu.Unlock()

			for _, path := range dropped {
				c.unmirror(context.Background(), path)
				c.logger.Debug("expired lock swept", "path", path)
			}
		}
	}
}

// mirror writes the lock row used by the reconciliation pull APIs.
func (c *Coordinator) mirror(ctx context.Context, lock *Lock) {
	if c.store == nil {
		return
	}
	record := &store.FileLockRecord{
		Path:       lock.Path,
		AgentID:    lock.AgentID,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
	}
	if err := c.store.SaveFileLock(ctx, record); err != nil {
		c.logger.Error("failed to mirror lock row", "path", lock.Path, "error", err)
	}
}

// unmirror removes the lock row for a path.
func (c *Coordinator) unmirror(ctx context.Context, path string) {
	if c.store == nil {
		return
	}
	if err := c.store.DeleteFileLock(ctx, path); err != nil {
		c.logger.Error("failed to remove lock mirror row", "path", path, "error", err)
	}
}
