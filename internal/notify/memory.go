package notify

import (
	"context"
	"log/slog"
	"sync"
)

const subscriberBuffer = 16

type subscription struct {
	ch   chan Event
	once sync.Once
}

// MemoryHub fans events out to subscribers in this process.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
	logger *slog.Logger
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:   make(map[string]map[*subscription]struct{}),
		logger: slog.With("component", "MemoryHub"),
	}
}

// Notify never blocks. A subscriber with a full buffer misses the event and
// catches up by polling.
func (h *MemoryHub) Notify(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subs[ev.DeviceID]
	if len(subs) == 0 {
		return ErrNoListener
	}
	delivered := 0
	for sub := range subs {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			h.logger.Warn("Dropping event for slow subscriber", "device_id", ev.DeviceID, "type", ev.Type)
		}
	}
	if delivered == 0 {
		return ErrNoListener
	}
	return nil
}

func (h *MemoryHub) Subscribe(_ context.Context, deviceID string) (<-chan Event, func(), error) {
	sub := &subscription{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}, nil
	}
	if h.subs[deviceID] == nil {
		h.subs[deviceID] = make(map[*subscription]struct{})
	}
	h.subs[deviceID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[deviceID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, deviceID)
			}
		}
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel, nil
}

// Close ends every open subscription.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, set := range h.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(h.subs, id)
	}
	return nil
}
