package stepchain

import (
	"context"
	"database/sql"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func pausingChain() *Chain {
	return New("pausing").
		AndSuspendUnless("wait", "external", nil, nil).
		AndThen("finish", func(ctx context.Context, sc *StepContext) (any, error) {
			return sc.Data.(map[string]any)["answer"], nil
		})
}

// testDurableEngine runs, suspends and resumes across two registries that
// share one store, the way a process restart would.
func testDurableEngine(t *testing.T, open func() *Registry) {
	t.Helper()
	ctx := context.Background()

	first := open()
	res, err := pausingChain().Run(ctx, first, map[string]any{"q": "?"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, res.Status)
	require.NoError(t, first.Close(ctx))

	second := open()
	pausingChain().MustRegister(second)
	done, err := Resume(ctx, second, res.ExecutionID, map[string]any{"answer": 42})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 42, done.Result)

	events, err := second.ListEvents(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, EventType("workflow.started"), events[0].Type)
	assert.Equal(t, EventType("workflow.completed"), events[len(events)-1].Type)
}

func TestNewSQLiteEngine(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/stepchain.db")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	testDurableEngine(t, func() *Registry {
		eng, err := NewSQLiteEngine(db, WithLogger(quietEngineLogger()))
		require.NoError(t, err)
		return eng
	})
}

func TestNewRedisEngine(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	testDurableEngine(t, func() *Registry {
		return NewRedisEngine(client, "test:", WithLogger(quietEngineLogger()))
	})
	assert.NotEmpty(t, mr.Keys())
	for _, k := range mr.Keys() {
		assert.Regexp(t, `^test:`, k)
	}
}

func TestRecoverStuckExecutions_Facade(t *testing.T) {
	n, err := RecoverStuckExecutions(context.Background(), quietEngine())
	require.NoError(t, err)
	assert.Zero(t, n)
}
