package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/starfariii/coinflip1/internal/coinflip"
)

const DefaultBuffer = 64

// Hub fans committed match events out to in-process subscribers. Publish
// never blocks: a subscriber whose buffer is full misses the event and is
// expected to resync from the registry.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	next   int
	subs   map[int]chan coinflip.Event
	closed bool

	dropped atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{log: logger, subs: make(map[int]chan coinflip.Event)}
}

var _ coinflip.Notifier = (*Hub)(nil)

func (h *Hub) Publish(_ context.Context, ev coinflip.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			h.log.Debug("subscriber lagging, event dropped", "subscriber", id, "kind", ev.Kind, "match_id", ev.MatchID)
		}
	}
	return nil
}

// Subscribe registers a listener. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan coinflip.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan coinflip.Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Multi publishes to every notifier and returns the first error.
type Multi []coinflip.Notifier

func (m Multi) Publish(ctx context.Context, ev coinflip.Event) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
