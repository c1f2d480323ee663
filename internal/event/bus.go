// Package event provides an in-memory bus for configuration events
// (plugin applied, skipped, reverted, failed).
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a message on the bus.
type Event struct {
	Topic     string
	Source    string // plugin name
	Timestamp time.Time
	Payload   any // outcome or error, depending on topic
}

// Handler processes events from the bus.
type Handler func(ctx context.Context, e Event)

// Bus is an in-memory event bus. Publish is synchronous: handlers run in
// the caller's goroutine, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry // topic -> handlers
	allSubs  []handlerEntry            // handlers subscribed to all topics
	nextID   uint64
	logger   *zap.Logger
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]handlerEntry),
		logger:   logger,
	}
}

// Publish dispatches an event to all matching handlers. A panicking handler
// is logged and does not stop delivery to the others.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	topicHandlers := make([]handlerEntry, len(b.handlers[e.Topic]))
	copy(topicHandlers, b.handlers[e.Topic])
	allHandlers := make([]handlerEntry, len(b.allSubs))
	copy(allHandlers, b.allSubs)
	b.mu.RUnlock()

	for _, h := range topicHandlers {
		b.safeCall(ctx, h.handler, e)
	}
	for _, h := range allHandlers {
		b.safeCall(ctx, h.handler, e)
	}
	return nil
}

// Subscribe registers a handler for a specific topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[topic]
		for i, e := range entries {
			if e.id == id {
				b.handlers[topic] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for all topics. Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs = append(b.allSubs, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.allSubs {
			if e.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.String("source", e.Source),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, e)
}
