package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petrijr/stepchain/pkg/api"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterValue(t *testing.T, m metricdata.Metrics, typ api.EventType) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("event.type")); ok && v.AsString() == string(typ) {
			return dp.Value
		}
	}
	return 0
}

func TestMetrics_CountsAndDurations(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	t0 := time.Now()

	events := []api.Event{
		{Type: api.EventWorkflowStarted, WorkflowID: "wf"},
		{ID: "s1", Type: api.EventStepStarted, WorkflowID: "wf", StepID: "a", At: t0},
		{Type: api.EventStepCompleted, WorkflowID: "wf", StepID: "a", ParentStartEventID: "s1", At: t0.Add(250 * time.Millisecond)},
		{ID: "s2", Type: api.EventStepStarted, WorkflowID: "wf", StepID: "b", At: t0},
		{Type: api.EventStepSuspended, WorkflowID: "wf", StepID: "b", ParentStartEventID: "s2", At: t0.Add(time.Second)},
		{Type: api.EventWorkflowSuspended, WorkflowID: "wf"},
	}
	for _, ev := range events {
		require.NoError(t, m.HandleEvent(ctx, ev))
	}

	got := collect(t, reader)

	wf := got[WorkflowEventsName]
	assert.Equal(t, int64(1), counterValue(t, wf, api.EventWorkflowStarted))
	assert.Equal(t, int64(1), counterValue(t, wf, api.EventWorkflowSuspended))

	steps := got[StepEventsName]
	assert.Equal(t, int64(2), counterValue(t, steps, api.EventStepStarted))
	assert.Equal(t, int64(1), counterValue(t, steps, api.EventStepCompleted))
	assert.Equal(t, int64(1), counterValue(t, steps, api.EventStepSuspended))

	hist, ok := got[StepDurationName].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	var sum float64
	for _, dp := range hist.DataPoints {
		count += dp.Count
		sum += dp.Sum
	}
	assert.Equal(t, uint64(2), count)
	assert.InDelta(t, 1.25, sum, 1e-9)
	assert.Empty(t, m.starts, "start times are released once matched")
}

func TestMetrics_OnBus(t *testing.T) {
	m, reader := newTestMetrics(t)
	rec := &api.Recorder{}
	bus := api.NewBus(nil, m, rec)

	sc := api.NewStepContext(1, nil, &api.ExecutionRef{ExecutionID: "e", WorkflowID: "wf"}, bus)
	_, err := api.RunStep(context.Background(), sc, api.Then("inc", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return sc.Data.(int) + 1, nil
	}))
	require.NoError(t, err)

	got := collect(t, reader)
	assert.Equal(t, int64(1), counterValue(t, got[StepEventsName], api.EventStepCompleted))
	assert.Len(t, rec.Events(), 2)
}

func TestNewMetrics_GlobalProvider(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Equal(t, "otel-metrics", m.Name())
	assert.NoError(t, m.HandleEvent(context.Background(), api.Event{Type: api.EventWorkflowStarted}))
}
