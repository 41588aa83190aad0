// Package eventbus provides a synchronous, in-process publish/subscribe bus.
// Subscriptions are explicit: every Subscribe returns the func that removes it.
package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Topic names a stream of events.
type Topic string

// Handler consumes a single event. Errors are logged by the bus and never
// reach the publisher.
type Handler[E any] func(ctx context.Context, evt E) error

type subscription[E any] struct {
	id      uint64
	handler Handler[E]
}

// Bus delivers events to subscribers on the publishing goroutine, in
// subscription order.
type Bus[E any] struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription[E]
	nextID uint64
	logger *zap.Logger
}

// New builds an empty bus.
func New[E any](logger *zap.Logger) *Bus[E] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[E]{
		subs:   make(map[Topic][]subscription[E]),
		logger: logger.Named("eventbus"),
	}
}

// Subscribe registers handler for topic and returns the unsubscribe func.
// Calling the returned func more than once is a no-op.
func (b *Bus[E]) Subscribe(topic Topic, handler Handler[E]) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription[E]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus[E]) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = slices.DeleteFunc(slices.Clone(b.subs[topic]), func(s subscription[E]) bool {
		return s.id == id
	})
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Subscribers reports how many handlers are registered for topic.
func (b *Bus[E]) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers evt to every subscriber of topic before returning. A
// failing or panicking subscriber does not prevent delivery to the rest.
func (b *Bus[E]) Publish(ctx context.Context, topic Topic, evt E) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := deliver(ctx, sub.handler, evt); err != nil {
			b.logger.Error("failed to send the event",
				zap.String("event", string(topic)),
				zap.Uint64("subscription", sub.id),
				zap.Error(err),
			)
		}
	}
}

func deliver[E any](ctx context.Context, handler Handler[E], evt E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}
