package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepchain/internal/persistence"
	"github.com/petrijr/stepchain/internal/testutil"
	"github.com/petrijr/stepchain/pkg/api"
)

func TestMain(m *testing.M) {
	code := m.Run()
	testutil.TerminatePostgres()
	testutil.TerminateMongo()
	os.Exit(code)
}

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLite_ResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "stepchain.db")

	p, err := persistence.NewSQLite(openSQLite(t, path))
	require.NoError(t, err)
	first := NewRegistry(Config{Persistence: p, Logger: discardLogger()})
	require.NoError(t, first.RegisterWorkflow(approvalWorkflow("approval")))

	res, err := first.Run(ctx, "approval", map[string]any{"title": "x"})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)
	require.NoError(t, first.Close(ctx))

	// A fresh process: new connection, new registry, same definitions.
	p, err = persistence.NewSQLite(openSQLite(t, path))
	require.NoError(t, err)
	second := NewRegistry(Config{Persistence: p, Logger: discardLogger()})
	t.Cleanup(func() { _ = second.Close(ctx) })
	require.NoError(t, second.RegisterWorkflow(approvalWorkflow("approval")))

	n, err := second.RecoverStuckExecutions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "suspended executions are not stuck")

	done, err := second.ResumeExecution(ctx, res.ExecutionID, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, "text published (approved=true)", done.Result)

	history, err := second.ListEvents(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, api.EventWorkflowStarted, history[0].Type)
	assert.Equal(t, api.EventWorkflowCompleted, history[len(history)-1].Type)
}

func TestPostgres_SuspendResume(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	p, err := persistence.NewPostgres(ctx, pool)
	require.NoError(t, err)

	reg, _ := newTestRegistry(t, Config{Persistence: p})
	require.NoError(t, reg.RegisterWorkflow(approvalWorkflow("approval")))

	res, err := reg.Run(ctx, "approval", map[string]any{"title": "pg"})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)

	stored, err := reg.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, stored.Suspension)
	assert.Equal(t, 2, stored.Suspension.Checkpoint.NextStepIndex)

	done, err := res.Resume(ctx, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, "text published (approved=true)", done.Result)
}

func TestMongo_ResumeAfterRestart(t *testing.T) {
	uri := testutil.MongoURI(t)
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("stepchain_engine_test")
	require.NoError(t, db.Drop(ctx))

	p, err := persistence.NewMongo(ctx, db)
	require.NoError(t, err)

	first, _ := newTestRegistry(t, Config{Persistence: p})
	require.NoError(t, first.RegisterWorkflow(approvalWorkflow("approval")))

	res, err := first.Run(ctx, "approval", map[string]any{"title": "mongo"})
	require.NoError(t, err)
	require.Equal(t, api.StatusSuspended, res.Status)

	second, _ := newTestRegistry(t, Config{Persistence: p})
	require.NoError(t, second.RegisterWorkflow(approvalWorkflow("approval")))

	done, err := second.ResumeExecution(ctx, res.ExecutionID, map[string]any{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, "text published (approved=true)", done.Result)

	events, err := second.ListEvents(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
