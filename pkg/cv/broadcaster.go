package cv

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/unblink/unblink/pkg/logger"
)

const subscriberBuffer = 100

// BroadcastEvent is what dashboard subscribers receive.
type BroadcastEvent struct {
	ID        string          `json:"id"`
	NodeID    string          `json:"node_id"`
	ServiceID string          `json:"service_id"`
	Type      string          `json:"type"`
	Data      map[string]any  `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Subscription is one dashboard listener on a node's events.
type Subscription struct {
	ID        string
	NodeID    string
	ServiceID string // "" subscribes to every service of the node
	C         chan BroadcastEvent
}

// EventBroadcaster fans worker events out to dashboard subscribers.
// Sends never block; a slow subscriber loses events.
type EventBroadcaster struct {
	mu      sync.RWMutex
	byNode  map[string]map[string]*Subscription
	log     *logger.Logger
	dropLog *rate.Limiter
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster(log *logger.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		byNode:  make(map[string]map[string]*Subscription),
		log:     log.With("component", "event_broadcaster"),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Subscribe registers a listener for a node, optionally filtered to one
// service.
func (b *EventBroadcaster) Subscribe(subID, nodeID, serviceID string) *Subscription {
	sub := &Subscription{
		ID:        subID,
		NodeID:    nodeID,
		ServiceID: serviceID,
		C:         make(chan BroadcastEvent, subscriberBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.byNode[nodeID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.byNode[nodeID] = subs
	}
	subs[subID] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *EventBroadcaster) Unsubscribe(nodeID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.byNode[nodeID]
	if !ok {
		return
	}
	sub, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.byNode, nodeID)
	}
	close(sub.C)
}

// Publish delivers an event to every matching subscriber.
func (b *EventBroadcaster) Publish(evt BroadcastEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.byNode[evt.NodeID] {
		if sub.ServiceID != "" && sub.ServiceID != evt.ServiceID {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			if b.dropLog.Allow() {
				b.log.Warn("subscriber buffer full, dropping event",
					"subscription_id", sub.ID, "node_id", evt.NodeID)
			}
		}
	}
}

// SubscriberCount reports live subscriptions for a node.
func (b *EventBroadcaster) SubscriberCount(nodeID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byNode[nodeID])
}
