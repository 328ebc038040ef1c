// Package notification provides the event hub broadcasting room snapshots
// to stream subscribers.
package notification

import (
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// Snapshot is the state pushed to every subscriber on any room or capacity
// change.
type Snapshot struct {
	Rooms    map[string][]string `json:"rooms"`
	Capacity map[string]int      `json:"capacity"`
}

// sendTimeout bounds the blocking retry when a subscriber's buffer is full.
const sendTimeout = 500 * time.Millisecond

// subscriberBuffer is the per-subscriber channel depth.
const subscriberBuffer = 8

type subscription struct {
	id string
	ch chan Snapshot
}

// Hub manages subscriptions and broadcasting.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[string]*subscription),
	}
}

// Subscribe registers a subscriber and returns its id and receive channel.
// The caller must Unsubscribe when done. The channel is never closed; the
// receiver is expected to select on its own context.
func (h *Hub) Subscribe() (string, <-chan Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.New().String()
	sub := &subscription{id: id, ch: make(chan Snapshot, subscriberBuffer)}
	h.subscriptions[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscription. The channel is left open so in-flight
// broadcast sends cannot race a close.
func (h *Hub) Unsubscribe(subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscriptions, subscriptionID)
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Broadcast delivers a snapshot to all subscribers. Delivery is best-effort:
// a full buffer gets one bounded blocking retry, after which the subscriber
// is dropped so a stuck client cannot stall the hub.
func (h *Hub) Broadcast(snapshot Snapshot) {
	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		select {
		case sub.ch <- snapshot:
			continue
		default:
		}

		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			select {
			case s.ch <- snapshot:
			case <-time.After(sendTimeout):
				zlog.Warn().Msgf("dropping stalled subscriber: id=%s", s.id)
				h.Unsubscribe(s.id)
			}
		}(sub)
	}
	wg.Wait()
}
