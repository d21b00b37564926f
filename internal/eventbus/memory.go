// Package eventbus provides collab.EventPublisher implementations: an
// in-process fan-out bus and a Redis pub/sub bridge for fan-out across
// server instances.
package eventbus

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"collabtext/internal/collab"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Filter selects events for a subscription. Empty fields match everything.
type Filter struct {
	Domain string
	Names  []string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e collab.Event) bool {
	if f.Domain != "" && f.Domain != e.Domain {
		return false
	}
	return len(f.Names) == 0 || slices.Contains(f.Names, e.Name)
}

type subscriber struct {
	filter Filter
	ch     chan collab.Event
}

// Memory is an in-process event bus. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Memory struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	closed  bool
	buffer  int
	logger  *slog.Logger
	dropped uint64
}

// NewMemory creates a bus whose subscriptions buffer up to buffer events.
func NewMemory(buffer int, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a subscription. The returned cancel function removes it
// and closes the channel.
func (b *Memory) Subscribe(filter Filter) (<-chan collab.Event, func()) {
	sub := &subscriber{filter: filter, ch: make(chan collab.Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers event to every matching subscription.
func (b *Memory) Publish(event collab.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
			b.logger.Warn("subscriber buffer full, event dropped",
				"event", event.Name, "event_id", event.ID)
		}
	}
	return nil
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Memory) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close ends every subscription. Later Publish calls fail with ErrClosed.
func (b *Memory) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}
