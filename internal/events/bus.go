package events

import (
	"sync"
	"time"
)

// Bus distributes events to subscribed handlers. Emit is synchronous: it
// calls each handler in turn on the caller's goroutine, so a slow handler
// delays the caller. A panicking handler never crashes the caller's tick
// loop, since handlers run under a recover guard.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler invoked on every future Emit. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := len(b.handlers)
	b.handlers = append(b.handlers, handler)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// Emit stamps the event's time and delivers it to every subscriber.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler{}, b.handlers...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			h(e)
		}()
	}
}

// Close detaches all subscribers. Safe to call more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = nil
	return nil
}
