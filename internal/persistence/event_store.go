package persistence

import (
	"context"

	"github.com/petrijr/stepchain/pkg/api"
)

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.Event) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, executionID string) ([]api.Event, error) {
	return nil, nil
}

// EventLog is a bus subscriber appending every event to an EventStore.
type EventLog struct {
	Store EventStore
}

// NewEventLog returns a subscriber writing to store.
func NewEventLog(store EventStore) *EventLog {
	return &EventLog{Store: store}
}

func (l *EventLog) Name() string { return "event-log" }

func (l *EventLog) HandleEvent(ctx context.Context, ev api.Event) error {
	return l.Store.AppendEvent(ctx, ev)
}
