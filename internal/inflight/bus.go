package inflight

import (
	"sync"
)

// Event names published by the Registry.
const (
	EventCompleted = "operation.completed"
	EventFailed    = "operation.failed"
)

// Event is the payload delivered to subscribers when an operation settles.
type Event struct {
	Name      string
	ID        string
	Kind      Kind
	SessionID string
	Result    any
	Err       error
}

// Handler receives events. Handlers run synchronously on the settling
// goroutine and must not block for long.
type Handler func(Event)

// Bus is a named publish/subscribe channel. Subscribers know only event names,
// never the Registry's internals.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers fn for events named name. The returned func removes
// the subscription and is safe to call more than once.
func (b *Bus) Subscribe(name string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	if b.subs[name] == nil {
		b.subs[name] = make(map[int]Handler)
	}
	b.subs[name][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[name], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber of e.Name.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Name]))
	for _, h := range b.subs[e.Name] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
