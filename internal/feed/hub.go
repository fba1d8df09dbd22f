package feed

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
)

const defaultBuffer = 64

// Hub is the in-process Feed. Publish never blocks: a subscriber whose buffer
// is full misses the change.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*hubSub
	buffer int
	closed bool
}

type hubSub struct {
	filter Filter
	ch     chan Change
	done   chan struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*hubSub), buffer: defaultBuffer}
}

func (h *Hub) Publish(_ context.Context, change Change) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	for id, sub := range h.subs {
		if !sub.filter.Match(change) {
			continue
		}
		select {
		case <-sub.done:
		case sub.ch <- change:
		default:
			log.Printf("[Feed] subscriber %s buffer full, dropping %s %s", id, change.Table, change.Event)
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	sub := &hubSub{
		filter: filter,
		ch:     make(chan Change, h.buffer),
		done:   make(chan struct{}),
	}
	id := uuid.NewString()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.done)
				close(sub.ch)
			}
			h.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			release()
		case <-sub.done:
		}
	}()

	return NewSubscription(sub.ch, release), nil
}

// Close ends every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.done)
		close(sub.ch)
	}
}

func (h *Hub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
