package api

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// LoggingSubscriber writes structured logs using log/slog.
type LoggingSubscriber struct {
	Logger *slog.Logger
}

// NewLoggingSubscriber creates a Subscriber that logs workflow and step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingSubscriber(logger *slog.Logger) *LoggingSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSubscriber{Logger: logger}
}

func (o *LoggingSubscriber) Name() string { return "logging" }

func (o *LoggingSubscriber) HandleEvent(ctx context.Context, ev Event) error {
	attrs := []slog.Attr{
		slog.String("workflow", ev.WorkflowID),
		slog.String("execution_id", ev.ExecutionID),
	}
	if ev.Type.IsStep() {
		attrs = append(attrs,
			slog.String("step", ev.StepID),
			slog.String("step_type", string(ev.StepType)),
			slog.Int("step_index", ev.StepIndex),
		)
	}
	if ev.ConditionMet != nil {
		attrs = append(attrs, slog.Bool("condition_met", *ev.ConditionMet))
	}
	if ev.BranchTaken != "" {
		attrs = append(attrs, slog.String("branch", ev.BranchTaken))
	}
	if ev.SuspendReason != "" {
		attrs = append(attrs, slog.String("reason", ev.SuspendReason))
	}

	level := slog.LevelDebug
	switch {
	case ev.Type.Phase() == PhaseError:
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", ev.Error))
	case !ev.Type.IsStep():
		level = slog.LevelInfo
	}
	o.Logger.LogAttrs(ctx, level, string(ev.Type), attrs...)
	return nil
}

// BasicMetrics collects simple counters and aggregate step durations.
type BasicMetrics struct {
	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	workflowsSuspended atomic.Int64
	stepsCompleted     atomic.Int64
	stepsFailed        atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds

	mu     sync.Mutex
	starts map[string]time.Time
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	WorkflowsSuspended int64

	StepsCompleted  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) Name() string { return "basic-metrics" }

func (m *BasicMetrics) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventWorkflowStarted:
		m.workflowsStarted.Add(1)
	case EventWorkflowCompleted:
		m.workflowsCompleted.Add(1)
	case EventWorkflowFailed:
		m.workflowsFailed.Add(1)
	case EventWorkflowSuspended:
		m.workflowsSuspended.Add(1)
	case EventStepStarted:
		m.mu.Lock()
		if m.starts == nil {
			m.starts = make(map[string]time.Time)
		}
		m.starts[ev.ID] = ev.At
		m.mu.Unlock()
	case EventStepCompleted, EventStepFailed, EventStepSuspended:
		m.mu.Lock()
		started, ok := m.starts[ev.ParentStartEventID]
		delete(m.starts, ev.ParentStartEventID)
		m.mu.Unlock()

		switch ev.Type {
		case EventStepCompleted:
			// Only successful steps count towards the average duration.
			m.stepsCompleted.Add(1)
			if ok {
				m.totalStepDuration.Add(ev.At.Sub(started).Nanoseconds())
			}
		case EventStepFailed:
			m.stepsFailed.Add(1)
		}
	}
	return nil
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:   m.workflowsStarted.Load(),
		WorkflowsCompleted: m.workflowsCompleted.Load(),
		WorkflowsFailed:    m.workflowsFailed.Load(),
		WorkflowsSuspended: m.workflowsSuspended.Load(),
		StepsCompleted:     steps,
		StepsFailed:        m.stepsFailed.Load(),
		AvgStepDuration:    avg,
	}
}

// Recorder keeps every event it receives in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) HandleEvent(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events in arrival order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// StepEvents returns the recorded step-level events.
func (r *Recorder) StepEvents() []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type.IsStep() {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
