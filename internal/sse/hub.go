package sse

import (
	"context"
	"sync"
)

// Hub fans published events out to subscribers. It retains the most recent
// events so that a new subscriber first receives what it missed.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	backlog [][]byte
	keep    int
}

// NewHub creates a Hub retaining up to backlog events for late subscribers.
func NewHub(backlog int) *Hub {
	if backlog < 0 {
		backlog = 0
	}
	return &Hub{clients: make(map[chan []byte]struct{}), keep: backlog}
}

// Publish delivers ev to every subscriber. Subscribers whose buffer is full
// miss the event.
func (h *Hub) Publish(ev []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.keep > 0 {
		if len(h.backlog) == h.keep {
			h.backlog = h.backlog[1:]
		}
		h.backlog = append(h.backlog, ev)
	}
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. Retained
// events are queued first, oldest dropped when they exceed buf. The channel
// is closed when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, buf int) <-chan []byte {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan []byte, buf)
	h.mu.Lock()
	replay := h.backlog
	if len(replay) > buf {
		replay = replay[len(replay)-buf:]
	}
	for _, ev := range replay {
		ch <- ev
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.clients, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
