// ABOUTME: In-memory fan-out event bus for observing core state transitions
// ABOUTME: Publishes typed events to all subscribers without feeding back into the core

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// A slow subscriber drops events rather than backpressuring the core.
const subscriberBufferSize = 64

// Event types emitted by the core.
const (
	TypeAgentStatusChanged = "agent_status_changed"
	TypeTaskStatusChanged  = "task_status_changed"
	TypeLockAcquired       = "lock_acquired"
	TypeLockReleased       = "lock_released"
	TypeSecurityAlert      = "security_alert"
	TypeAgentMessage       = "agent_message"
	TypeKnowledgeIndexed   = "knowledge_indexed"
)

// Event is one observable state transition. Payload is a small
// JSON-serializable map describing the transition; events are ephemeral
// and never fed back into the core.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus provides in-memory pub/sub for core events. Subscribers receive every
// event published after they subscribe; delivery is best-effort.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	logger      *slog.Logger
	closed      bool
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber for all events. Returns a channel that
// receives events and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers. Non-blocking: events are
// dropped for subscribers whose channels are full.
func (b *Bus) Publish(eventType string, payload map[string]any) {
	event := Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	// Sends happen under the read lock: channels are only closed under the
	// write lock, so a send can never race a close. The sends are
	// non-blocking, so the lock is never held for long.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
			// Sent
		default:
			b.logger.Debug("dropped event for slow subscriber", "type", eventType)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("bus closed")
}
