// Package telemetry records workflow lifecycle events as OpenTelemetry
// metrics.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/stepchain/pkg/api"
)

// ScopeName is the instrumentation scope used when no meter is given.
const ScopeName = "github.com/petrijr/stepchain"

// Instrument names.
const (
	WorkflowEventsName = "stepchain.workflow.events"
	StepEventsName     = "stepchain.step.events"
	StepDurationName   = "stepchain.step.duration"
)

// Metrics is a subscriber counting workflow and step events by type and
// recording step durations, measured from a step's start event to its
// completion event.
type Metrics struct {
	workflowEvents metric.Int64Counter
	stepEvents     metric.Int64Counter
	stepDuration   metric.Float64Histogram

	mu     sync.Mutex
	starts map[string]time.Time
}

var _ api.Subscriber = (*Metrics)(nil)

// NewMetrics creates the instruments on meter. A nil meter uses the
// global MeterProvider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(ScopeName)
	}

	workflowEvents, err := meter.Int64Counter(WorkflowEventsName,
		metric.WithDescription("Workflow lifecycle events by type."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	stepEvents, err := meter.Int64Counter(StepEventsName,
		metric.WithDescription("Step lifecycle events by type."),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}
	stepDuration, err := meter.Float64Histogram(StepDurationName,
		metric.WithDescription("Time from step start to its completion event."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		workflowEvents: workflowEvents,
		stepEvents:     stepEvents,
		stepDuration:   stepDuration,
		starts:         make(map[string]time.Time),
	}, nil
}

func (m *Metrics) Name() string { return "otel-metrics" }

func (m *Metrics) HandleEvent(ctx context.Context, ev api.Event) error {
	attrs := metric.WithAttributes(
		attribute.String("workflow.id", ev.WorkflowID),
		attribute.String("event.type", string(ev.Type)),
	)

	if !ev.Type.IsStep() {
		m.workflowEvents.Add(ctx, 1, attrs)
		return nil
	}

	m.stepEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.id", ev.WorkflowID),
		attribute.String("event.type", string(ev.Type)),
		attribute.String("step.type", string(ev.StepType)),
	))

	if ev.Type == api.EventStepStarted {
		m.mu.Lock()
		m.starts[ev.ID] = ev.At
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	started, ok := m.starts[ev.ParentStartEventID]
	delete(m.starts, ev.ParentStartEventID)
	m.mu.Unlock()
	if ok {
		m.stepDuration.Record(ctx, ev.At.Sub(started).Seconds(), metric.WithAttributes(
			attribute.String("workflow.id", ev.WorkflowID),
			attribute.String("step.id", ev.StepID),
			attribute.String("phase", string(ev.Type.Phase())),
		))
	}
	return nil
}
