// ABOUTME: Tests for the fan-out event bus
// ABOUTME: Covers subscribe, publish, unsubscribe, slow subscribers, context cancellation, concurrency

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())

	b.Publish(TypeTaskStatusChanged, map[string]any{"task_id": "t-1", "status": "assigned"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeTaskStatusChanged, ev.Type)
		assert.Equal(t, "t-1", ev.Payload["task_id"])
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	b.Publish(TypeLockAcquired, map[string]any{"path": "auth.py"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeLockAcquired, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context())
	b.Unsubscribe(subID)

	_, open := <-ch
	assert.False(t, open)
}

func TestBus_ContextCancellationCleansUp(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	// Channel should eventually be closed by the cleanup goroutine
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())

	// Overflow the subscriber buffer without draining; Publish must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(TypeAgentStatusChanged, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffer holds at most subscriberBufferSize events
	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBufferSize, count)
}

func TestBus_PublishAfterCloseIsSafe(t *testing.T) {
	b := NewBus(nil)
	ch, _ := b.Subscribe(t.Context())
	b.Close()

	b.Publish(TypeSecurityAlert, nil)

	_, open := <-ch
	assert.False(t, open)
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, _ := b.Subscribe(t.Context())
			// Drain whatever arrives
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range 20 {
				b.Publish(TypeTaskStatusChanged, nil)
			}
		}()
	}
	wg.Wait()
}

func TestBus_PublishDuringSubscriberChurn(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(TypeTaskStatusChanged, map[string]any{"n": 1})
			}
		}
	}()

	// Subscribers joining and leaving mid-publish must never see a send on
	// their closed channel.
	for range 200 {
		ctx, cancel := context.WithCancel(context.Background())
		ch, id := b.Subscribe(ctx)
		select {
		case <-ch:
		default:
		}
		b.Unsubscribe(id)
		cancel()
	}

	close(stop)
	wg.Wait()
}
