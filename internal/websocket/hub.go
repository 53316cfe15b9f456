package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tyyrok/chatcore/internal/metrics"
)

// Subscriber is one receiving end of the hub, normally a *Client.
type Subscriber interface {
	// Deliver queues an encoded frame without blocking. ErrSendBufferFull
	// makes the hub drop the subscriber; any other error means it is already
	// closed and is only detached.
	Deliver(payload []byte) error

	// Kick closes the subscriber's connection.
	Kick()

	// Owner returns the username the subscriber is authenticated as.
	Owner() string
}

// Hub is the broadcast substrate shared by every session. It maps group keys
// to the subscribers currently attached to them.
//
// Subscribe and Unsubscribe take effect before they return, so a session that
// subscribes and then publishes its own arrival is guaranteed to be in the
// group by the time the frame is fanned out. Publish holds the read lock only
// to copy the target set; delivery happens outside the lock and never blocks.
type Hub struct {
	mu sync.RWMutex

	// subscribers maps each subscriber to the groups it is attached to.
	subscribers map[Subscriber]map[GroupKey]struct{}

	// groups maps each group to its subscribers. Both maps are always
	// updated together.
	groups map[GroupKey]map[Subscriber]struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty Hub. Call Run in a goroutine to tie its lifetime to
// the server's.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		subscribers: make(map[Subscriber]map[GroupKey]struct{}),
		groups:      make(map[GroupKey]map[Subscriber]struct{}),
		logger:      logger.Named("hub"),
		metrics:     m,
	}
}

// Run blocks until ctx is cancelled, then disconnects every subscriber.
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[Subscriber]map[GroupKey]struct{})
	h.groups = make(map[GroupKey]map[Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Kick()
	}
	h.logger.Info("hub stopped", zap.Int("disconnected", len(subs)))
}

// Subscribe attaches sub to the group. Subscribing twice is a no-op.
func (h *Hub) Subscribe(sub Subscriber, key GroupKey) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subscribers[sub] == nil {
		h.subscribers[sub] = make(map[GroupKey]struct{})
	}
	h.subscribers[sub][key] = struct{}{}

	if h.groups[key] == nil {
		h.groups[key] = make(map[Subscriber]struct{})
	}
	h.groups[key][sub] = struct{}{}
}

// Unsubscribe detaches sub from the group. Detaching a subscriber that is not
// attached is a no-op.
func (h *Hub) Unsubscribe(sub Subscriber, key GroupKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(sub, key)
}

// UnsubscribeAll detaches sub from every group it is attached to.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.subscribers[sub] {
		h.detach(sub, key)
	}
}

// UnsubscribeOwner detaches every subscriber authenticated as owner from the
// group and returns how many were detached. Used when a user loses access to
// a group while connected to it.
func (h *Hub) UnsubscribeOwner(key GroupKey, owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for sub := range h.groups[key] {
		if sub.Owner() == owner {
			h.detach(sub, key)
			n++
		}
	}
	return n
}

// detach must be called with mu held.
func (h *Hub) detach(sub Subscriber, key GroupKey) {
	if keys, ok := h.subscribers[sub]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(h.subscribers, sub)
		}
	}
	if subs, ok := h.groups[key]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.groups, key)
		}
	}
}

// Publish encodes frame once and queues it on every subscriber of the group.
// Subscribers whose buffer is full are detached from all groups and kicked,
// closed ones are detached; the remaining subscribers are unaffected. It
// returns the number of subscribers the frame was queued on.
func (h *Hub) Publish(key GroupKey, frame any) (int, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return 0, fmt.Errorf("hub: encode frame for %s: %w", key, err)
	}

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.groups[key]))
	for sub := range h.groups[key] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		err := sub.Deliver(payload)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSendBufferFull):
			h.drop(sub)
		default:
			h.UnsubscribeAll(sub)
		}
	}
	h.metrics.FramePublished(key.Kind.String())
	return delivered, nil
}

func (h *Hub) drop(sub Subscriber) {
	h.UnsubscribeAll(sub)
	sub.Kick()
	h.metrics.SubscriberDropped()
	h.logger.Warn("dropped slow subscriber", zap.String("owner", sub.Owner()))
}

// HasOwner reports whether any subscriber of the group is authenticated as
// owner.
func (h *Hub) HasOwner(key GroupKey, owner string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.groups[key] {
		if sub.Owner() == owner {
			return true
		}
	}
	return false
}

// ConnectedCount returns the number of subscribers attached to at least one
// group. It backs the subscribers gauge.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
