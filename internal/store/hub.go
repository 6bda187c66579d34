package store

import (
	"context"
	"sync"
)

// Hub fans changes out to subscriptions. Backends feed it from whatever
// notification mechanism they have (in-process writes, LISTEN/NOTIFY,
// change streams).
type Hub struct {
	mu   sync.Mutex
	next int
	subs map[int]*hubSub
}

type hubSub struct {
	hub   *Hub
	id    int
	topic Topic
	fn    func(Change)

	mu        sync.Mutex // held while fn runs
	cancelled bool
	done      chan struct{}
	once      sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*hubSub)}
}

// Add registers fn for changes matching topic. The subscription is cancelled
// when ctx is done or Cancel is called.
func (h *Hub) Add(ctx context.Context, topic Topic, fn func(Change)) Subscription {
	h.mu.Lock()
	h.next++
	s := &hubSub{hub: h, id: h.next, topic: topic, fn: fn, done: make(chan struct{})}
	h.subs[s.id] = s
	h.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Cancel()
			case <-s.done:
			}
		}()
	}
	return s
}

// Publish delivers c to every matching subscription, in the caller's goroutine.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	targets := make([]*hubSub, 0, len(h.subs))
	for _, s := range h.subs {
		if s.topic.Matches(c) {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.mu.Lock()
		if !s.cancelled {
			s.fn(c)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Tables returns the distinct tables with at least one subscription.
func (h *Hub) Tables() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, s := range h.subs {
		if !seen[s.topic.Table] {
			seen[s.topic.Table] = true
			out = append(out, s.topic.Table)
		}
	}
	return out
}

// Cancel must not be called from inside the subscription's own callback.
func (s *hubSub) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()

		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		close(s.done)
	})
}
