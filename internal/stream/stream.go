// Package stream fans committed audit entries out to live subscribers, such as
// the admin UI's activity feed.
package stream

import (
	"context"
	"sync"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/obs"
)

const defaultBuffer = 16

type subscriber struct {
	tenantID string
	ch       chan audit.Entry
}

// Hub delivers each entry to the subscribers of its tenant. It implements
// audit.Publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	next   int
	buffer int
}

var _ audit.Publisher = (*Hub)(nil)

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]subscriber), buffer: defaultBuffer}
}

// Subscribe registers a subscriber for tenantID and returns a channel which will
// receive its entries. The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context, tenantID string) <-chan audit.Entry {
	ch := make(chan audit.Entry, h.buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscriber{tenantID: tenantID, ch: ch}
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

// Publish hands e to every subscriber of its tenant. A subscriber whose buffer
// is full misses the entry; the chain itself is unaffected.
func (h *Hub) Publish(e audit.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.tenantID != e.TenantID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			obs.StreamDropped()
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
