package cv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub *Subscription) BroadcastEvent {
	t.Helper()
	select {
	case evt := <-sub.C:
		return evt
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
		return BroadcastEvent{}
	}
}

func TestBroadcasterDeliversNodeEvents(t *testing.T) {
	b := NewEventBroadcaster(testLogger(t))
	sub := b.Subscribe("sub-1", "node-1", "")

	b.Publish(BroadcastEvent{ID: "e1", NodeID: "node-1", ServiceID: "cam1", Type: "motion"})

	evt := recvEvent(t, sub)
	assert.Equal(t, "e1", evt.ID)
	assert.Equal(t, "motion", evt.Type)
}

func TestBroadcasterServiceFilter(t *testing.T) {
	b := NewEventBroadcaster(testLogger(t))
	filtered := b.Subscribe("sub-1", "node-1", "cam2")
	unfiltered := b.Subscribe("sub-2", "node-1", "")

	b.Publish(BroadcastEvent{ID: "e1", NodeID: "node-1", ServiceID: "cam1", Type: "motion"})
	b.Publish(BroadcastEvent{ID: "e2", NodeID: "node-1", ServiceID: "cam2", Type: "motion"})

	// The filtered subscriber only sees cam2
	evt := recvEvent(t, filtered)
	assert.Equal(t, "e2", evt.ID)
	select {
	case extra := <-filtered.C:
		t.Fatalf("unexpected event %s on filtered subscription", extra.ID)
	default:
	}

	assert.Equal(t, "e1", recvEvent(t, unfiltered).ID)
	assert.Equal(t, "e2", recvEvent(t, unfiltered).ID)
}

func TestBroadcasterIsolatesNodes(t *testing.T) {
	b := NewEventBroadcaster(testLogger(t))
	sub := b.Subscribe("sub-1", "node-1", "")

	b.Publish(BroadcastEvent{ID: "e1", NodeID: "node-2", ServiceID: "cam1", Type: "motion"})

	select {
	case evt := <-sub.C:
		t.Fatalf("unexpected cross-node event %s", evt.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewEventBroadcaster(testLogger(t))
	sub := b.Subscribe("sub-1", "node-1", "")

	b.Unsubscribe("node-1", "sub-1")

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount("node-1"))
}

func TestBroadcasterNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewEventBroadcaster(testLogger(t))
	sub := b.Subscribe("sub-1", "node-1", "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains sub; publishing past the buffer must not block
		for i := 0; i < subscriberBuffer+50; i++ {
			b.Publish(BroadcastEvent{ID: "e", NodeID: "node-1", Type: "motion"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	require.Len(t, sub.C, subscriberBuffer)
}
