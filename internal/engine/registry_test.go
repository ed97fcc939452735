package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/stepchain/internal/persistence"
	"github.com/petrijr/stepchain/pkg/api"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *api.Recorder) {
	t.Helper()

	rec := &api.Recorder{}
	cfg.Subscribers = append(cfg.Subscribers, rec)
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	reg := NewRegistry(cfg)
	t.Cleanup(func() {
		_ = reg.Close(context.Background())
	})
	return reg, rec
}

func appendName(suffix string) api.StepFunc {
	return func(ctx context.Context, sc *api.StepContext) (any, error) {
		m, ok := sc.Data.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected map input, got %T", sc.Data)
		}
		out := maps.Clone(m)
		out["name"] = fmt.Sprint(m["name"]) + suffix
		return out, nil
	}
}

func addOne(id string) api.Step {
	return api.Then(id, func(ctx context.Context, sc *api.StepContext) (any, error) {
		return sc.Data.(int) + 1, nil
	})
}

func eventsFor(events []api.Event, stepID string) []api.Event {
	var out []api.Event
	for _, ev := range events {
		if ev.Type.IsStep() && ev.StepID == stepID {
			out = append(out, ev)
		}
	}
	return out
}

func eventTypes(events []api.Event) []api.EventType {
	out := make([]api.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRun_LinearChainComposesSteps(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:    "counter",
		Steps: []api.Step{addOne("a"), addOne("b"), addOne("c")},
	}))

	res, err := reg.Run(ctx, "counter", 1)
	require.NoError(t, err)

	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, 4, res.Result)
	assert.Nil(t, res.Suspension)
	assert.NoError(t, res.Error)
	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, "counter", res.WorkflowID)
	assert.False(t, res.EndAt.Before(res.StartAt))

	assert.Equal(t, []api.EventType{
		api.EventWorkflowStarted,
		api.EventStepStarted, api.EventStepCompleted,
		api.EventStepStarted, api.EventStepCompleted,
		api.EventStepStarted, api.EventStepCompleted,
		api.EventWorkflowCompleted,
	}, eventTypes(rec.Events()))

	for _, id := range []string{"a", "b", "c"} {
		evs := eventsFor(rec.Events(), id)
		require.Len(t, evs, 2)
		assert.Equal(t, evs[0].ID, evs[1].ParentStartEventID)
	}
}

func TestRun_JohnDoe(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:   "greeting",
		Name: "Greeting",
		Steps: []api.Step{
			api.Then("john", appendName(" john")),
			api.Then("doe", appendName(" doe")),
		},
	}))

	res, err := reg.Run(ctx, "greeting", map[string]any{"name": "Who is"})
	require.NoError(t, err)

	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"name": "Who is john doe"}, res.Result)

	_, err = res.Resume(ctx, nil)
	assert.ErrorIs(t, err, api.ErrInvalidResumeState)
}

func TestRun_UnknownWorkflow(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})

	res, err := reg.Run(context.Background(), "missing", nil)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)
}

func TestRun_StepFailureIsReportedInResult(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	boom := errors.New("boom")
	ranAfter := false
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "failing",
		Steps: []api.Step{
			addOne("first"),
			api.Then("explode", func(ctx context.Context, sc *api.StepContext) (any, error) {
				return nil, boom
			}, api.WithName("Explode")),
			api.Then("never", func(ctx context.Context, sc *api.StepContext) (any, error) {
				ranAfter = true
				return nil, nil
			}),
		},
	}))

	res, err := reg.Run(ctx, "failing", 0)
	require.NoError(t, err)

	assert.Equal(t, api.StatusErrored, res.Status)
	assert.Nil(t, res.Result)
	assert.Nil(t, res.Suspension)
	assert.False(t, ranAfter)

	var se *api.StepExecutionError
	require.ErrorAs(t, res.Error, &se)
	assert.Equal(t, "explode", se.StepID)
	assert.Equal(t, "Explode", se.StepName)
	assert.Equal(t, 1, se.StepIndex)
	assert.ErrorIs(t, res.Error, boom)

	evs := eventsFor(rec.Events(), "explode")
	require.Len(t, evs, 2)
	assert.Equal(t, api.EventStepFailed, evs[1].Type)
	assert.Equal(t, "boom", evs[1].Error)
	assert.Empty(t, eventsFor(rec.Events(), "never"))

	all := rec.Events()
	assert.Equal(t, api.EventWorkflowFailed, all[len(all)-1].Type)

	exec, err := reg.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusErrored, exec.Status)
	assert.ErrorIs(t, exec.Err, boom)
}

func TestRun_WorkflowSchemas(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})

	positive := api.SchemaFunc(func(v any) (any, error) {
		n, ok := v.(int)
		if !ok || n <= 0 {
			return nil, fmt.Errorf("want positive int, got %v", v)
		}
		return n, nil
	})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:           "validated",
		Steps:        []api.Step{addOne("inc")},
		InputSchema:  positive,
		ResultSchema: api.SchemaFunc(func(v any) (any, error) { return fmt.Sprint(v), nil }),
	}))

	res, err := reg.Run(ctx, "validated", 0)
	require.NoError(t, err)
	assert.Equal(t, api.StatusErrored, res.Status)
	var ve *api.ValidationError
	require.ErrorAs(t, res.Error, &ve)
	assert.Equal(t, api.StageWorkflowInput, ve.Stage)

	res, err = reg.Run(ctx, "validated", 2)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, "3", res.Result)
}

func TestRun_StepValidationErrorIsNotWrapped(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "typed",
		Steps: []api.Step{
			api.Then("needs-name", func(ctx context.Context, sc *api.StepContext) (any, error) {
				return sc.Data, nil
			}, api.WithInputSchema(api.RequiredFields("name"))),
		},
	}))

	res, err := reg.Run(ctx, "typed", map[string]any{"other": 1})
	require.NoError(t, err)
	assert.Equal(t, api.StatusErrored, res.Status)

	var ve *api.ValidationError
	require.ErrorAs(t, res.Error, &ve)
	assert.Equal(t, api.StageStepInput, ve.Stage)
	assert.Equal(t, "needs-name", ve.StepID)

	var se *api.StepExecutionError
	assert.False(t, errors.As(res.Error, &se))
}

func TestRun_ConditionalStep(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	isVIP := api.JSONPathEquals("tier", "vip")
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "discount",
		Steps: []api.Step{
			api.When("maybe-discount", isVIP, api.Then("apply-discount", func(ctx context.Context, sc *api.StepContext) (any, error) {
				out := maps.Clone(sc.Data.(map[string]any))
				out["discount"] = 10
				return out, nil
			})),
		},
	}))

	t.Run("predicate true", func(t *testing.T) {
		rec.Reset()
		res, err := reg.Run(ctx, "discount", map[string]any{"tier": "vip"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"tier": "vip", "discount": 10}, res.Result)

		evs := eventsFor(rec.Events(), "maybe-discount")
		require.Len(t, evs, 2)
		assert.Equal(t, api.EventStepStarted, evs[0].Type)
		assert.Equal(t, api.EventStepCompleted, evs[1].Type)
		require.NotNil(t, evs[1].ConditionMet)
		assert.True(t, *evs[1].ConditionMet)
		assert.False(t, evs[1].Skipped)
		require.NotNil(t, evs[1].Condition)
		assert.Equal(t, "tier == vip", evs[1].Condition.Source)

		assert.Empty(t, eventsFor(rec.Events(), "apply-discount"))
	})

	t.Run("predicate false", func(t *testing.T) {
		rec.Reset()
		input := map[string]any{"tier": "basic"}
		res, err := reg.Run(ctx, "discount", input)
		require.NoError(t, err)
		assert.Equal(t, input, res.Result)

		evs := eventsFor(rec.Events(), "maybe-discount")
		require.Len(t, evs, 2)
		require.NotNil(t, evs[1].ConditionMet)
		assert.False(t, *evs[1].ConditionMet)
		assert.True(t, evs[1].Skipped)

		assert.Empty(t, eventsFor(rec.Events(), "apply-discount"))
	})
}

func approvalWorkflow(id string) api.WorkflowDefinition {
	return api.WorkflowDefinition{
		ID: id,
		Steps: []api.Step{
			api.Then("draft", func(ctx context.Context, sc *api.StepContext) (any, error) {
				out := maps.Clone(sc.Data.(map[string]any))
				out["draft"] = "text"
				return out, nil
			}),
			api.SuspendUnless("approval", "needs approval",
				func(data any) bool {
					approved, _ := data.(map[string]any)["approved"].(bool)
					return approved
				},
				func(data any) any { return "please approve" },
			),
			api.Then("publish", func(ctx context.Context, sc *api.StepContext) (any, error) {
				m := sc.Data.(map[string]any)
				return fmt.Sprintf("%v published (approved=%v)", m["draft"], m["approved"]), nil
			}),
		},
	}
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})
	require.NoError(t, reg.RegisterWorkflow(approvalWorkflow("approval")))

	res, err := reg.Run(ctx, "approval", map[string]any{"title": "x"})
	require.NoError(t, err)

	assert.Equal(t, api.StatusSuspended, res.Status)
	assert.Nil(t, res.Result)
	assert.NoError(t, res.Error)
	require.NotNil(t, res.Suspension)
	assert.Equal(t, "needs approval", res.Suspension.Reason)
	assert.Equal(t, "approval", res.Suspension.StepID)
	assert.Equal(t, 2, res.Suspension.Checkpoint.NextStepIndex)
	assert.Equal(t, "please approve", res.Suspension.Checkpoint.Payload)
	assert.Equal(t, map[string]any{"title": "x", "draft": "text"}, res.Suspension.Checkpoint.LastData)

	evs := eventsFor(rec.Events(), "approval")
	assert.Equal(t, []api.EventType{api.EventStepStarted, api.EventStepSuspended}, eventTypes(evs))
	assert.Equal(t, evs[0].ID, evs[1].ParentStartEventID)
	assert.Equal(t, "please approve", evs[1].SuspendPayload)

	resumed, err := res.Resume(ctx, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, resumed.Status)
	assert.Equal(t, res.ExecutionID, resumed.ExecutionID)
	assert.Equal(t, "approval", resumed.WorkflowID)
	assert.Equal(t, "text published (approved=true)", resumed.Result)

	// The approval step is not re-run on resume.
	assert.Len(t, eventsFor(rec.Events(), "approval"), 2)

	direct, err := reg.Run(ctx, "approval", map[string]any{"title": "x", "approved": true})
	require.NoError(t, err)
	assert.Equal(t, direct.Result, resumed.Result)

	var types []api.EventType
	for _, ev := range rec.Events() {
		if ev.ExecutionID == res.ExecutionID && !ev.Type.IsStep() {
			types = append(types, ev.Type)
		}
	}
	assert.Equal(t, []api.EventType{
		api.EventWorkflowStarted,
		api.EventWorkflowSuspended,
		api.EventWorkflowResumed,
		api.EventWorkflowCompleted,
	}, types)
}

func TestResume_InvalidState(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})
	require.NoError(t, reg.RegisterWorkflow(approvalWorkflow("approval")))

	res, err := reg.Run(ctx, "approval", map[string]any{"title": "x"})
	require.NoError(t, err)

	_, err = res.Resume(ctx, map[string]any{"approved": true})
	require.NoError(t, err)

	_, err = res.Resume(ctx, map[string]any{"approved": true})
	assert.ErrorIs(t, err, api.ErrInvalidResumeState)

	_, err = reg.ResumeExecution(ctx, res.ExecutionID, nil)
	assert.ErrorIs(t, err, api.ErrInvalidResumeState)

	_, err = reg.ResumeExecution(ctx, "no-such-execution", nil)
	assert.ErrorIs(t, err, api.ErrExecutionNotFound)
}

func TestResume_ConcurrentAttemptsResumeOnce(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})
	require.NoError(t, reg.RegisterWorkflow(approvalWorkflow("approval")))

	res, err := reg.Run(ctx, "approval", map[string]any{"title": "x"})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		invalid   int
	)
	for range attempts {
		wg.Go(func() {
			_, err := reg.ResumeExecution(ctx, res.ExecutionID, map[string]any{"approved": true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, api.ErrInvalidResumeState):
				invalid++
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, invalid)
	assert.Zero(t, reg.locks.size())
}

func TestResume_ValidatesResumeData(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "gated",
		Steps: []api.Step{
			api.SuspendUnless("wait", "waiting for ticket", nil, nil,
				api.WithResumeSchema(api.RequiredFields("ticket"))),
			api.Then("use", func(ctx context.Context, sc *api.StepContext) (any, error) {
				return sc.Data.(map[string]any)["ticket"], nil
			}),
		},
	}))

	res, err := reg.Run(ctx, "gated", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)

	_, err = res.Resume(ctx, map[string]any{"wrong": 1})
	var ve *api.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, api.StageResume, ve.Stage)
	assert.Equal(t, "wait", ve.StepID)

	exec, err := reg.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusSuspended, exec.Status)

	done, err := res.Resume(ctx, map[string]any{"ticket": "T-1"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, "T-1", done.Result)
}

func TestRun_ParallelAll(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	double := api.Then("double", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return sc.Data.(int) * 2, nil
	})
	square := api.Then("square", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return sc.Data.(int) * sc.Data.(int), nil
	})
	fail := api.Then("fail", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return nil, errors.New("branch failed")
	})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:    "all-ok",
		Steps: []api.Step{api.All("fan-out", []api.Step{double, square})},
	}))
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:    "all-fail",
		Steps: []api.Step{api.All("fan-out", []api.Step{double, fail})},
	}))

	res, err := reg.Run(ctx, "all-ok", 3)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, []any{6, 9}, res.Result)

	parent := eventsFor(rec.Events(), "fan-out")
	require.Len(t, parent, 2)
	for _, id := range []string{"double", "square"} {
		evs := eventsFor(rec.Events(), id)
		require.Len(t, evs, 2)
		assert.Equal(t, parent[0].ID, evs[0].ParentEventID)
		assert.Equal(t, evs[0].ID, evs[1].ParentStartEventID)
	}

	res, err = reg.Run(ctx, "all-fail", 3)
	require.NoError(t, err)
	assert.Equal(t, api.StatusErrored, res.Status)
	assert.ErrorContains(t, res.Error, "branch failed")
}

func TestRun_ParallelAllCopiesData(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})

	mutate := func(id string) api.Step {
		return api.Then(id, func(ctx context.Context, sc *api.StepContext) (any, error) {
			m := sc.Data.(map[string]any)
			m["by"] = id
			return m["by"], nil
		})
	}
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "copies",
		Steps: []api.Step{
			api.All("branches", []api.Step{mutate("left"), mutate("right")}),
		},
	}))

	input := map[string]any{"by": "caller"}
	res, err := reg.Run(ctx, "copies", input)
	require.NoError(t, err)
	assert.Equal(t, []any{"left", "right"}, res.Result)
	assert.Equal(t, "caller", input["by"])
}

func TestRun_RaceFirstBranchWins(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	slowReturned := make(chan struct{})
	fast := api.Then("fast", func(ctx context.Context, sc *api.StepContext) (any, error) {
		return "fast", nil
	})
	slow := api.Then("slow", func(ctx context.Context, sc *api.StepContext) (any, error) {
		defer close(slowReturned)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "slow", nil
		}
	})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:    "race",
		Steps: []api.Step{api.Race("first", []api.Step{slow, fast})},
	}))

	res, err := reg.Run(ctx, "race", nil)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, "fast", res.Result)

	raceEvents := eventsFor(rec.Events(), "first")
	require.Len(t, raceEvents, 2)
	assert.Equal(t, "fast", raceEvents[1].BranchTaken)

	select {
	case <-slowReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("losing branch was not cancelled")
	}
	// Give the loser a moment to attempt its completion event.
	time.Sleep(20 * time.Millisecond)
	for _, ev := range eventsFor(rec.Events(), "slow") {
		assert.Equal(t, api.EventStepStarted, ev.Type, "late event from losing branch")
	}
}

func TestRun_DelegateRunsSubWorkflowDetached(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	greet := api.WorkflowDefinition{
		ID:    "greet",
		Steps: []api.Step{api.Then("hello", appendName(" john"))},
	}
	require.NoError(t, reg.RegisterWorkflow(greet))
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "outer",
		Steps: []api.Step{
			api.DelegateByID("by-id", "greet"),
			api.Delegate("by-value", api.WorkflowDefinition{
				ID:    "inline",
				Steps: []api.Step{api.Then("inline-doe", appendName(" doe"))},
			}),
		},
	}))

	res, err := reg.Run(ctx, "outer", map[string]any{"name": "Who is"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, map[string]any{"name": "Who is john doe"}, res.Result)

	assert.Len(t, eventsFor(rec.Events(), "by-id"), 2)
	assert.Len(t, eventsFor(rec.Events(), "by-value"), 2)
	assert.Empty(t, eventsFor(rec.Events(), "hello"))
	assert.Empty(t, eventsFor(rec.Events(), "inline-doe"))

	executions, err := reg.ListExecutions(ctx, api.ExecutionFilter{WorkflowID: "greet"})
	require.NoError(t, err)
	assert.Empty(t, executions, "sub-workflow runs do not create executions")
}

func TestRun_DelegateSuspensionSuspendsParent(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "sign-off",
		Steps: []api.Step{
			api.SuspendUnless("await-signature", "signature required", nil, nil),
		},
	}))
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "contract",
		Steps: []api.Step{
			api.DelegateByID("sign", "sign-off"),
			api.Then("archive", func(ctx context.Context, sc *api.StepContext) (any, error) {
				return "archived by " + sc.Data.(map[string]any)["signer"].(string), nil
			}),
		},
	}))

	res, err := reg.Run(ctx, "contract", map[string]any{"doc": "nda"})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)
	assert.Equal(t, "await-signature", res.Suspension.StepID)
	assert.Equal(t, 0, res.Suspension.Checkpoint.NextStepIndex, "the delegate step is re-entered")
	assert.Equal(t, &api.ResumePoint{Index: 0, Input: map[string]any{"doc": "nda"}}, res.Suspension.Checkpoint.Inner)

	signEvents := eventsFor(rec.Events(), "sign")
	assert.Equal(t, []api.EventType{api.EventStepStarted, api.EventStepSuspended}, eventTypes(signEvents))

	done, err := res.Resume(ctx, map[string]any{"signer": "ada"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, "archived by ada", done.Result)
}

func stamp(key string) api.Step {
	return api.Then(key, func(ctx context.Context, sc *api.StepContext) (any, error) {
		out := maps.Clone(sc.Data.(map[string]any))
		out[key] = true
		return out, nil
	})
}

func TestResume_DelegateFinishesSubWorkflow(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "sub",
		Steps: []api.Step{
			api.SuspendUnless("wait", "approval", func(data any) bool {
				ok, _ := data.(map[string]any)["approved"].(bool)
				return ok
			}, nil),
			stamp("stamped"),
		},
	}))
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:    "parent",
		Steps: []api.Step{api.DelegateByID("d", "sub")},
	}))

	direct, err := reg.Run(ctx, "parent", map[string]any{"doc": "nda", "approved": true})
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, direct.Status)

	res, err := reg.Run(ctx, "parent", map[string]any{"doc": "nda"})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)

	done, err := res.Resume(ctx, map[string]any{"approved": true})
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, map[string]any{"doc": "nda", "approved": true, "stamped": true}, done.Result)
	assert.Equal(t, direct.Result, done.Result)
}

func TestResume_ParallelAllKeepsFinishedBranches(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})

	var doubled atomic.Int32
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "add-ten",
		Steps: []api.Step{
			api.SuspendUnless("confirm", "confirm", nil, nil),
			api.Then("plus-ten", func(ctx context.Context, sc *api.StepContext) (any, error) {
				return sc.Data.(int) + 10, nil
			}),
		},
	}))
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "fan",
		Steps: []api.Step{
			api.All("branches", []api.Step{
				api.Then("double", func(ctx context.Context, sc *api.StepContext) (any, error) {
					doubled.Add(1)
					return sc.Data.(int) * 2, nil
				}),
				api.DelegateByID("confirmed", "add-ten"),
			}),
			api.Then("sum", func(ctx context.Context, sc *api.StepContext) (any, error) {
				total := 0
				for _, v := range sc.Data.([]any) {
					total += v.(int)
				}
				return total, nil
			}),
		},
	}))

	res, err := reg.Run(ctx, "fan", 5)
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)
	assert.Equal(t, "confirm", res.Suspension.StepID)

	done, err := res.Resume(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, 10+17, done.Result)
	assert.Equal(t, int32(1), doubled.Load())
}

func TestResume_NestedCompositesAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemory()

	define := func(reg *Registry) {
		require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
			ID:    "inner",
			Steps: []api.Step{api.SuspendUnless("hold", "hold", nil, nil), stamp("inner-done")},
		}))
		require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
			ID:    "middle",
			Steps: []api.Step{api.DelegateByID("to-inner", "inner"), stamp("middle-done")},
		}))
		require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
			ID: "outer",
			Steps: []api.Step{
				api.When("gate", api.NewCondition("always", func(any) bool { return true }),
					api.DelegateByID("to-middle", "middle")),
				stamp("outer-done"),
			},
		}))
	}

	first, _ := newTestRegistry(t, Config{Persistence: store})
	define(first)
	res, err := first.Run(ctx, "outer", map[string]any{})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)

	inner := res.Suspension.Checkpoint.Inner
	require.NotNil(t, inner)
	require.NotNil(t, inner.Inner)
	require.NotNil(t, inner.Inner.Inner)
	assert.Nil(t, inner.Inner.Inner.Inner)

	second, _ := newTestRegistry(t, Config{Persistence: store})
	define(second)
	done, err := second.ResumeExecution(ctx, res.ExecutionID, map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, map[string]any{
		"ok":          true,
		"inner-done":  true,
		"middle-done": true,
		"outer-done":  true,
	}, done.Result)
}

func TestRun_AgentStep(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})

	var gotPrompt string
	agent := api.AgentFunc(func(ctx context.Context, prompt string, sc *api.StepContext) (any, error) {
		gotPrompt = prompt
		return "summary of " + sc.Data.(string), nil
	})
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "summarize",
		Steps: []api.Step{
			api.AgentStep("summarizer", func(data any) (string, error) {
				return "Summarize: " + data.(string), nil
			}, agent),
		},
	}))

	res, err := reg.Run(ctx, "summarize", "report")
	require.NoError(t, err)
	assert.Equal(t, "summary of report", res.Result)
	assert.Equal(t, "Summarize: report", gotPrompt)
}

func TestRun_RetryWrapper(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	attempts := 0
	flaky := api.Then("flaky", func(ctx context.Context, sc *api.StepContext) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "retrying",
		Steps: []api.Step{
			api.WithRetry(api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, flaky),
		},
	}))

	res, err := reg.Run(ctx, "retrying", nil)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, 3, attempts)
	assert.Len(t, eventsFor(rec.Events(), "flaky"), 2, "retries are invisible to subscribers")
}

func TestRun_SubscriberFailuresDoNotChangeStatus(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	failing := api.SubscriberFunc(func(ctx context.Context, ev api.Event) error {
		return errors.New("sink unavailable")
	})
	panicking := api.SubscriberFunc(func(ctx context.Context, ev api.Event) error {
		panic("subscriber exploded")
	})

	reg, rec := newTestRegistry(t, Config{
		Logger:      logger,
		Subscribers: []api.Subscriber{failing, panicking},
	})
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:    "robust",
		Steps: []api.Step{addOne("a"), addOne("b")},
	}))

	res, err := reg.Run(ctx, "robust", 0)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Result)

	assert.Len(t, rec.StepEvents(), 4, "later subscribers still receive events")
	assert.Contains(t, logs.String(), "failed to publish workflow event")
	assert.Contains(t, logs.String(), "subscriber exploded")
}

func TestRun_UserContextFlowsIntoEventsAndExecution(t *testing.T) {
	ctx := context.Background()
	reg, rec := newTestRegistry(t, Config{})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID: "tagged",
		Steps: []api.Step{
			api.Tap("mark", func(ctx context.Context, sc *api.StepContext) error {
				sc.State.Set("marked", true)
				return nil
			}),
			addOne("inc"),
		},
	}))

	res, err := reg.Run(ctx, "tagged", 1,
		api.WithExecutionID("exec-tagged"),
		api.WithUserContext(map[string]any{"tenant": "acme"}),
	)
	require.NoError(t, err)
	assert.Equal(t, "exec-tagged", res.ExecutionID)
	assert.Equal(t, 2, res.Result)

	inc := eventsFor(rec.Events(), "inc")
	require.NotEmpty(t, inc)
	assert.Equal(t, map[string]any{"tenant": "acme", "marked": true}, inc[0].UserContext)

	exec, err := reg.GetExecution(ctx, "exec-tagged")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tenant": "acme", "marked": true}, exec.UserContext)
	assert.Equal(t, 2, exec.CurrentStep)

	_, err = reg.Run(ctx, "tagged", 1, api.WithExecutionID("exec-tagged"))
	assert.ErrorIs(t, err, persistence.ErrExecutionExists)
}

func TestRun_CancelledContext(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:    "cancel",
		Steps: []api.Step{addOne("a")},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := reg.Run(ctx, "cancel", 0)
	require.NoError(t, err)
	assert.Equal(t, api.StatusErrored, res.Status)
	assert.ErrorIs(t, res.Error, context.Canceled)

	exec, err := reg.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusErrored, exec.Status)
}

func TestRegisterWorkflow(t *testing.T) {
	reg, _ := newTestRegistry(t, Config{})

	def := api.WorkflowDefinition{ID: "wf", Steps: []api.Step{addOne("a")}}
	require.NoError(t, reg.RegisterWorkflow(def))
	assert.ErrorIs(t, reg.RegisterWorkflow(def), api.ErrWorkflowExists)

	got, err := reg.GetWorkflow("wf")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.Name, "name defaults to the id")

	assert.ErrorIs(t, reg.RegisterWorkflow(api.WorkflowDefinition{Steps: []api.Step{addOne("a")}}), api.ErrInvalidWorkflow)
	assert.ErrorIs(t, reg.RegisterWorkflow(api.WorkflowDefinition{ID: "empty"}), api.ErrInvalidWorkflow)
	assert.ErrorIs(t, reg.RegisterWorkflow(api.WorkflowDefinition{
		ID:    "dup-steps",
		Steps: []api.Step{addOne("a"), addOne("a")},
	}), api.ErrInvalidWorkflow)

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{ID: "another", Steps: []api.Step{addOne("a")}}))
	var ids []string
	for _, d := range reg.ListWorkflows() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"another", "wf"}, ids)

	require.NoError(t, reg.DeregisterWorkflow("wf"))
	_, err = reg.GetWorkflow("wf")
	assert.ErrorIs(t, err, api.ErrWorkflowNotFound)
	assert.ErrorIs(t, reg.DeregisterWorkflow("wf"), api.ErrWorkflowNotFound)
}

func TestRegisterWorkflow_AllowOverwrite(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{AllowOverwrite: true})

	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{ID: "wf", Steps: []api.Step{addOne("a")}}))
	require.NoError(t, reg.RegisterWorkflow(api.WorkflowDefinition{ID: "wf", Steps: []api.Step{addOne("a"), addOne("b")}}))

	res, err := reg.Run(ctx, "wf", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Result)
}

func TestClose_RejectsNewWork(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})
	require.NoError(t, reg.RegisterWorkflow(approvalWorkflow("approval")))

	res, err := reg.Run(ctx, "approval", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx))
	require.NoError(t, reg.Close(ctx))

	_, err = reg.Run(ctx, "approval", nil)
	assert.ErrorIs(t, err, api.ErrRegistryClosed)
	_, err = res.Resume(ctx, nil)
	assert.ErrorIs(t, err, api.ErrRegistryClosed)
	assert.ErrorIs(t, reg.RegisterWorkflow(approvalWorkflow("other")), api.ErrRegistryClosed)
}

// resumedElsewhere flips a suspended row to running right after it is
// read, as another process resuming the same execution would.
type resumedElsewhere struct {
	*persistence.InMemoryStore
}

func (s resumedElsewhere) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	exec, err := s.InMemoryStore.GetExecution(ctx, id)
	if err != nil || exec.Status != api.StatusSuspended {
		return exec, err
	}
	other := exec.Clone()
	other.Status = api.StatusRunning
	other.Suspension = nil
	if err := s.InMemoryStore.UpdateExecution(ctx, other); err != nil {
		return nil, err
	}
	return exec, nil
}

func TestResume_StoreRejectsStaleTransition(t *testing.T) {
	ctx := context.Background()
	mem := persistence.NewInMemoryStore()

	first, _ := newTestRegistry(t, Config{Persistence: persistence.Persistence{Executions: mem, Events: mem}})
	require.NoError(t, first.RegisterWorkflow(approvalWorkflow("approval")))
	res, err := first.Run(ctx, "approval", map[string]any{"title": "x"})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)

	racing := resumedElsewhere{InMemoryStore: mem}
	second, _ := newTestRegistry(t, Config{Persistence: persistence.Persistence{Executions: racing, Events: mem}})
	require.NoError(t, second.RegisterWorkflow(approvalWorkflow("approval")))

	_, err = second.ResumeExecution(ctx, res.ExecutionID, map[string]any{"approved": true})
	assert.ErrorIs(t, err, api.ErrInvalidResumeState)

	exec, err := mem.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunning, exec.Status, "the other writer's transition stands")
}

func TestRecoverStuckExecutions(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewInMemoryStore()
	reg, rec := newTestRegistry(t, Config{
		Persistence: persistence.Persistence{Executions: store, Events: store},
	})

	require.NoError(t, store.SaveExecution(ctx, &api.Execution{
		ID:         "crashed",
		WorkflowID: "wf",
		Status:     api.StatusRunning,
		StartAt:    time.Now().UTC(),
	}))
	require.NoError(t, store.SaveExecution(ctx, &api.Execution{
		ID:         "finished",
		WorkflowID: "wf",
		Status:     api.StatusCompleted,
		StartAt:    time.Now().UTC(),
	}))

	n, err := reg.RecoverStuckExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec, err := reg.GetExecution(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, api.StatusErrored, exec.Status)
	assert.ErrorIs(t, exec.Err, api.ErrInterrupted)
	assert.False(t, exec.EndAt.IsZero())

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, api.EventWorkflowFailed, evs[0].Type)

	n, err = reg.RecoverStuckExecutions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListEvents_RecordsHistory(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, Config{})
	require.NoError(t, reg.RegisterWorkflow(approvalWorkflow("approval")))

	res, err := reg.Run(ctx, "approval", map[string]any{"title": "x"})
	require.NoError(t, err)
	_, err = res.Resume(ctx, map[string]any{"approved": true})
	require.NoError(t, err)

	history, err := reg.ListEvents(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, api.EventWorkflowStarted, history[0].Type)
	assert.Equal(t, api.EventWorkflowCompleted, history[len(history)-1].Type)

	starts := make(map[string]bool)
	for _, ev := range history {
		switch ev.Type.Phase() {
		case api.PhaseStart:
			if ev.Type.IsStep() {
				starts[ev.ID] = true
			}
		case api.PhaseSuccess, api.PhaseError, api.PhaseSuspend:
			if ev.Type.IsStep() {
				assert.True(t, starts[ev.ParentStartEventID], "%s has no start event", ev.Type)
			}
		}
	}

	suspended, err := reg.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusSuspended})
	require.NoError(t, err)
	assert.Empty(t, suspended)
}

func TestWrapStepError(t *testing.T) {
	info := api.StepInfo{ID: "s", Name: "S"}
	base := errors.New("base")

	wrapped := wrapStepError(base, info, 3)
	var se *api.StepExecutionError
	require.ErrorAs(t, wrapped, &se)
	assert.Equal(t, 3, se.StepIndex)
	assert.True(t, strings.Contains(wrapped.Error(), `step "s"`))

	assert.Same(t, wrapped, wrapStepError(wrapped, info, 3))

	ve := &api.ValidationError{Stage: api.StageStepOutput, StepID: "s", Err: base}
	assert.Same(t, error(ve), wrapStepError(ve, info, 3))
}
