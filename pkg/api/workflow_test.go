package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resumerFunc func(ctx context.Context, id string, data any) (*Result, error)

func (f resumerFunc) ResumeExecution(ctx context.Context, id string, data any) (*Result, error) {
	return f(ctx, id, data)
}

func TestNewResult_FieldsFollowStatus(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	exec := &Execution{
		ID: "e1", WorkflowID: "wf", StartAt: start, EndAt: start.Add(time.Second),
		Status: StatusCompleted, Result: "done", Err: errors.New("stale"),
	}

	r := NewResult(exec, nil)
	assert.Equal(t, "done", r.Result)
	assert.NoError(t, r.Error)
	assert.Nil(t, r.Suspension)
	assert.Equal(t, start, r.StartAt)

	exec.Status = StatusErrored
	r = NewResult(exec, nil)
	assert.Nil(t, r.Result)
	assert.EqualError(t, r.Error, "stale")

	exec.Status = StatusSuspended
	exec.Suspension = &Suspension{Reason: "wait"}
	r = NewResult(exec, nil)
	require.NotNil(t, r.Suspension)
	assert.NotSame(t, exec.Suspension, r.Suspension)
}

func TestResult_Resume(t *testing.T) {
	var gotID string
	var gotData any
	resumer := resumerFunc(func(ctx context.Context, id string, data any) (*Result, error) {
		gotID, gotData = id, data
		return &Result{ExecutionID: id, Status: StatusCompleted}, nil
	})

	suspended := NewResult(&Execution{ID: "e1", Status: StatusSuspended, Suspension: &Suspension{}}, resumer)
	next, err := suspended.Resume(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, next.Status)
	assert.Equal(t, "e1", gotID)
	assert.Equal(t, "go", gotData)

	done := NewResult(&Execution{ID: "e2", Status: StatusCompleted}, resumer)
	_, err = done.Resume(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidResumeState)

	orphan := NewResult(&Execution{ID: "e3", Status: StatusSuspended}, nil)
	_, err = orphan.Resume(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidResumeState)
}

func TestExecution_Clone(t *testing.T) {
	exec := &Execution{
		ID:          "e1",
		UserContext: map[string]any{"k": "v"},
		Suspension:  &Suspension{Reason: "wait"},
	}
	c := exec.Clone()
	c.UserContext["k"] = "changed"
	c.Suspension.Reason = "other"

	assert.Equal(t, "v", exec.UserContext["k"])
	assert.Equal(t, "wait", exec.Suspension.Reason)
	assert.Nil(t, (*Execution)(nil).Clone())
}

func TestRunOptions(t *testing.T) {
	seed := map[string]any{"tenant": "acme"}
	o := ApplyRunOptions(WithExecutionID("fixed"), nil, WithUserContext(seed))
	seed["tenant"] = "mutated"

	assert.Equal(t, "fixed", o.ExecutionID)
	assert.Equal(t, map[string]any{"tenant": "acme"}, o.UserContext)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusErrored.Terminal())
	assert.False(t, StatusSuspended.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestRunState(t *testing.T) {
	seed := map[string]any{"a": 1}
	s := NewRunState(seed)
	seed["a"] = 2

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	s.Set("b", 2)
	snap := s.Snapshot()
	s.Delete("a")
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, snap)
	_, ok = s.Get("a")
	assert.False(t, ok)
}
