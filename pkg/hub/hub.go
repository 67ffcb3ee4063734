package hub

import (
	"errors"
	"sync"

	"github.com/NeatMonster/IDAConnect/pkg/logger"
	"github.com/NeatMonster/IDAConnect/pkg/models"
	"github.com/NeatMonster/IDAConnect/pkg/telemetry"
)

// ErrSlowSubscriber is the teardown reason for a subscriber whose bounded
// queue overflowed.
var ErrSlowSubscriber = errors.New("subscriber queue overflow")

// Hub routes sequenced events to the live subscribers of each branch. It
// holds only weak routing state (branch key -> subscriptions); it never
// touches branch metadata or storage.
//
// Publish is non-blocking: each subscriber has a bounded queue and a
// subscriber that cannot keep up is torn down rather than allowed to stall
// the sequencer or its peers.
type Hub struct {
	mu         sync.Mutex
	topics     map[string]*topic
	queueDepth int
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Delivery is one item on a subscriber's queue. Err is non-nil only for a
// branch-fatal condition, after which the subscription is closed.
type Delivery struct {
	Event models.Event
	Err   error
}

// Subscription is the live relationship between one connection and one
// branch. Not persisted; lifetime equals the connection's.
type Subscription struct {
	hub    *Hub
	key    string
	client string

	ch     chan Delivery
	closed bool  // guarded by the owning topic's mu
	reason error // set before close, read after ch is drained
}

// New creates a hub whose subscribers buffer at most queueDepth deliveries.
func New(queueDepth int) *Hub {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Hub{topics: make(map[string]*topic), queueDepth: queueDepth}
}

func (h *Hub) topicFor(key string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[key]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[key] = t
	}
	return t
}

// Subscribe registers a connection for live events on a branch. client is
// the connection's declared client identifier, kept for diagnostics.
func (h *Hub) Subscribe(project, branch, client string) *Subscription {
	key := project + "/" + branch
	t := h.topicFor(key)
	s := &Subscription{
		hub:    h,
		key:    key,
		client: client,
		ch:     make(chan Delivery, h.queueDepth),
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	n := len(t.subs)
	t.mu.Unlock()
	telemetry.Subscribers.Inc()
	logger.Debug("subscribed", "branch", key, "client", client, "subscribers", n)
	return s
}

// Publish delivers ev to every subscriber of the branch except `except`
// (the originating connection, which already knows its own edit). Called
// under the branch's serialization point, so deliveries enter every queue
// in sequence order. Never blocks: a full queue disconnects that subscriber.
func (h *Hub) Publish(project, branch string, ev models.Event, except *Subscription) {
	key := project + "/" + branch
	t := h.topicFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		if s == except || s.closed {
			continue
		}
		select {
		case s.ch <- Delivery{Event: ev}:
			telemetry.BroadcastsDelivered.Inc()
		default:
			// Queue full: tear the subscriber down instead of letting it
			// backpressure the branch.
			s.reason = ErrSlowSubscriber
			s.closed = true
			close(s.ch)
			delete(t.subs, s)
			telemetry.BroadcastsDropped.Inc()
			telemetry.Subscribers.Dec()
			logger.Warn("subscriber_dropped", "branch", key, "client", s.client, "seq", ev.Seq)
		}
	}
}

// Fail reports a branch-fatal error (storage gone) to every subscriber and
// closes them. Each subscriber receives the error as its final delivery
// when its queue has room.
func (h *Hub) Fail(project, branch string, err error) {
	key := project + "/" + branch
	t := h.topicFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- Delivery{Err: err}:
		default:
		}
		s.reason = err
		s.closed = true
		close(s.ch)
		delete(t.subs, s)
		telemetry.Subscribers.Dec()
	}
	logger.Error("branch_failed", "branch", key, "error", err)
}

// Subscribers returns the number of live subscriptions on a branch.
func (h *Hub) Subscribers(project, branch string) int {
	t := h.topicFor(project + "/" + branch)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// C is the subscriber's delivery queue. It is closed when the subscription
// ends; after that Reason reports why.
func (s *Subscription) C() <-chan Delivery { return s.ch }

// Reason reports why the hub closed this subscription, or nil if it was
// closed by Unsubscribe (or is still live).
func (s *Subscription) Reason() error {
	t := s.hub.topicFor(s.key)
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.reason
}

// Unsubscribe removes the subscription and closes its queue. Safe to call
// on every connection exit path; it is a no-op if the hub already tore the
// subscription down.
func (s *Subscription) Unsubscribe() {
	t := s.hub.topicFor(s.key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	delete(t.subs, s)
	telemetry.Subscribers.Dec()
	logger.Debug("unsubscribed", "branch", s.key, "client", s.client)
}
