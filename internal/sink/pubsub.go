package sink

import (
	"sync"

	"sentinelmon/internal/model"
)

// Hub fans batches out to in-process subscriber channels. Sends never
// block: a subscriber whose buffer is full misses the batch. Subscribers
// are a view of the stream, not a durability guarantee.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan Batch
	nextID int
	buffer int
	onDrop func()
}

// NewHub creates a hub; each subscriber channel gets the given buffer.
// onDrop, if non-nil, is called for every dropped delivery.
func NewHub(buffer int, onDrop func()) *Hub {
	return &Hub{
		subs:   make(map[int]chan Batch),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// Subscribe registers a new live subscriber. The returned cancel function
// unregisters it and closes the channel.
func (h *Hub) Subscribe() (<-chan Batch, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Batch, h.buffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish implements Publisher.
func (h *Hub) Publish(event model.Event, alerts []model.Alert) {
	batch := Batch{Event: event, Alerts: alerts}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- batch:
		default:
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}
