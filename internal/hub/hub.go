// Package hub fans match broadcasts out to live subscribers.
package hub

import (
	"context"
	"sync"

	"github.com/park285/indichess-match/internal/coordinator"
	"github.com/park285/indichess-match/internal/metrics"
	"github.com/park285/indichess-match/internal/obslog"
	"go.uber.org/zap"
)

const DefaultBuffer = 32

// Subscription receives every broadcast for one match until it is closed.
// A subscriber that falls a full buffer behind is closed by the hub; Dropped
// then reports true and the client is expected to reconnect and reload history.
type Subscription struct {
	matchID string
	ch      chan *coordinator.Broadcast
	hub     *Hub
	once    sync.Once
	dropped bool
}

func (s *Subscription) C() <-chan *coordinator.Broadcast { return s.ch }

func (s *Subscription) MatchID() string { return s.matchID }

func (s *Subscription) Dropped() bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	s.hub.remove(s)
	s.hub.mu.Unlock()
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	metrics *metrics.Metrics
}

var _ coordinator.Broadcaster = (*Hub)(nil)

func New(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer, metrics: m}
}

func (h *Hub) Subscribe(matchID string) *Subscription {
	s := &Subscription{matchID: matchID, ch: make(chan *coordinator.Broadcast, h.buffer), hub: h}
	h.mu.Lock()
	set, ok := h.subs[matchID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[matchID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// remove must be called with h.mu held.
func (h *Hub) remove(s *Subscription) {
	s.once.Do(func() {
		if set, ok := h.subs[s.matchID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.matchID)
			}
		}
		close(s.ch)
	})
}

// Publish delivers b to the local subscribers of its match. It never blocks.
func (h *Hub) Publish(_ context.Context, b *coordinator.Broadcast) error {
	h.Deliver(b)
	return nil
}

// Deliver is Publish without a context, used by relays feeding the hub.
func (h *Hub) Deliver(b *coordinator.Broadcast) {
	if b == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[b.MatchID] {
		select {
		case s.ch <- b:
		default:
			s.dropped = true
			h.remove(s)
			h.metrics.SubscriberDropped()
			obslog.L().Warn("live_subscriber_dropped", zap.String("match_id", b.MatchID), zap.Int("buffer", h.buffer))
		}
	}
}

// Subscribers reports how many live subscriptions matchID has.
func (h *Hub) Subscribers(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[matchID])
}
