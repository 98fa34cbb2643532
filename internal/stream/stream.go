// Package stream fans committed audit entries out to live subscribers.
package stream

import (
	"context"
	"sync"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/obs"
)

const subscriberBuffer = 16

type subscriber struct {
	ch     chan audit.Entry
	filter audit.Filter
}

// Hub fan-outs audit entries to all active subscribers (SSE clients).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber receiving entries matching f.
// The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, f audit.Filter) <-chan audit.Entry {
	ch := make(chan audit.Entry, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{ch: ch, filter: f}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers e to every matching subscriber without blocking; a subscriber
// whose buffer is full misses e.
func (h *Hub) Publish(e audit.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.Match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			obs.AuditStreamDroppedTotal.Inc()
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
