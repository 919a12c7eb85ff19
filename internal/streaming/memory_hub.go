package streaming

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
)

// ErrHubClosed is returned by Subscribe once the hub has been closed.
var ErrHubClosed = errors.New("event hub closed")

const defaultBuffer = 64

// HubOption configures a MemoryHub.
type HubOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity. Values below one are ignored.
func WithBuffer(n int) HubOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

type listener struct {
	filter EventFilter
	events chan StreamEvent
}

func (l *listener) wants(ev StreamEvent) bool {
	if l.filter.ExecutionID != "" && l.filter.ExecutionID != ev.ExecutionID {
		return false
	}
	return len(l.filter.EventTypes) == 0 || slices.Contains(l.filter.EventTypes, ev.EventType)
}

// MemoryHub fans events out to in-process listeners. Delivery is best effort:
// a listener whose buffer is full misses the event and the drop is counted.
// Replaying the event log recovers anything missed.
type MemoryHub struct {
	buffer int

	mu        sync.RWMutex
	listeners map[uint64]*listener
	closed    bool

	nextID  atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryHub returns an open hub.
func NewMemoryHub(opts ...HubOption) *MemoryHub {
	h := &MemoryHub{
		buffer:    defaultBuffer,
		listeners: make(map[uint64]*listener),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers ev to every listener whose filter accepts it.
func (h *MemoryHub) Publish(ctx context.Context, ev StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, l := range h.listeners {
		if !l.wants(ev) {
			continue
		}
		select {
		case l.events <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a listener. The returned channel is closed when the
// cancel func runs, when ctx is done, or when the hub is closed.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	l := &listener{filter: filter, events: make(chan StreamEvent, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrHubClosed
	}
	h.listeners[id] = l
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { h.remove(id) })
	}
	stop := context.AfterFunc(ctx, cancel)

	return l.events, func() {
		stop()
		cancel()
	}, nil
}

func (h *MemoryHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(l.events)
	}
}

// Close closes every listener channel and rejects further subscriptions.
// Publishing to a closed hub is a no-op.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, l := range h.listeners {
		delete(h.listeners, id)
		close(l.events)
	}
}

// Subscribers reports the number of live listeners.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Dropped reports how many deliveries were skipped because a listener's
// buffer was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
