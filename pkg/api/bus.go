package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Subscriber receives lifecycle events. Returning an error (or panicking)
// never affects the execution that produced the event.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Event) error

func (f SubscriberFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Publisher is the fire-and-forget side of the bus used by the executor.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Flusher is implemented by subscribers that buffer events.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Named lets a subscriber choose how it is identified in diagnostics.
type Named interface {
	Name() string
}

// Bus fans events out to its subscribers, synchronously and in
// subscription order. Subscriber failures are logged and swallowed.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   []busEntry
}

type busEntry struct {
	id  int
	sub Subscriber
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a Bus. If logger is nil, slog.Default() is used.
func NewBus(logger *slog.Logger, subs ...Subscriber) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{logger: logger}
	for _, s := range subs {
		b.Subscribe(s)
	}
	return b
}

// Subscribe adds sub to the bus and returns a function removing it again.
func (b *Bus) Subscribe(sub Subscriber) (unsubscribe func()) {
	if sub == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, busEntry{id: id, sub: sub})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.subs {
			if e.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := make([]busEntry, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, e := range subs {
		if err := deliver(ctx, e.sub, ev); err != nil {
			b.logger.WarnContext(ctx, "failed to publish workflow event",
				slog.String("event_type", string(ev.Type)),
				slog.String("execution_id", ev.ExecutionID),
				slog.String("step_id", ev.StepID),
				slog.Any("error", err),
			)
		}
	}
}

// Flush flushes every subscriber implementing Flusher.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.RLock()
	subs := make([]busEntry, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, e := range subs {
		if f, ok := e.sub.(Flusher); ok {
			if err := f.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush %s: %w", subscriberName(e.sub), err))
			}
		}
	}
	return errors.Join(errs...)
}

func deliver(ctx context.Context, sub Subscriber, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EventPublishError{
				Subscriber: subscriberName(sub),
				EventType:  ev.Type,
				Err:        fmt.Errorf("panic: %v", r),
			}
		}
	}()
	if herr := sub.HandleEvent(ctx, ev); herr != nil {
		return &EventPublishError{
			Subscriber: subscriberName(sub),
			EventType:  ev.Type,
			Err:        herr,
		}
	}
	return nil
}

func subscriberName(sub Subscriber) string {
	if n, ok := sub.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", sub)
}
