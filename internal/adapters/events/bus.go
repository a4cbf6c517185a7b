package events

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/google/uuid"
)

// Bus fans committed state changes out to in-process subscribers. Each
// handler runs on its own goroutine so a slow subscriber never holds up the
// publisher.
type Bus struct {
	logger *slog.Logger

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	closed        bool
	wg            sync.WaitGroup
}

type subscription struct {
	id      string
	types   map[domain.EventType]struct{}
	handler ports.EventHandler
}

var _ ports.EventBus = (*Bus)(nil)

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		logger:        logger.With("component", "event-bus"),
		subscriptions: make(map[string]*subscription),
	}
}

func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscriptions {
		if !sub.matches(event.Type) {
			continue
		}
		handler := sub.handler
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.safeCall(event, handler)
		}()
	}
}

// Subscribe registers handler for the given types, or for every event when
// no type is given.
func (b *Bus) Subscribe(handler ports.EventHandler, types ...domain.EventType) func() {
	sub := &subscription{
		id:      uuid.New().String(),
		types:   make(map[domain.EventType]struct{}, len(types)),
		handler: handler,
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscription added", "id", sub.id, "types", len(types))

	return func() {
		b.mu.Lock()
		delete(b.subscriptions, sub.id)
		b.mu.Unlock()
	}
}

// Close drops all subscribers and waits for in-flight handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subscriptions = make(map[string]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
}

func (s *subscription) matches(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (b *Bus) safeCall(event domain.Event, handler ports.EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", event.Type, "panic", r)
		}
	}()
	handler(event)
}
