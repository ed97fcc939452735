package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepchain/internal/testutil"
	"github.com/petrijr/stepchain/pkg/api"
)

func newTestMongoDB(t *testing.T) *mongo.Database {
	t.Helper()
	uri := testutil.MongoURI(t)
	ctx := context.Background()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	db := client.Database("stepchain_test")
	require.NoError(t, db.Drop(ctx))
	return db
}

func TestMongoStore(t *testing.T) {
	p, err := NewMongo(context.Background(), newTestMongoDB(t))
	require.NoError(t, err)

	testStore(t, p)
}

func TestMongoStore_KeepsNanosecondTimes(t *testing.T) {
	ctx := context.Background()
	store, err := NewMongoStore(ctx, newTestMongoDB(t))
	require.NoError(t, err)

	exec := newExecution("exec-nanos", "wf", api.StatusRunning, 1234567)
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.GetExecution(ctx, "exec-nanos")
	require.NoError(t, err)
	assert.True(t, got.StartAt.Equal(exec.StartAt), "got %s want %s", got.StartAt, exec.StartAt)
}
