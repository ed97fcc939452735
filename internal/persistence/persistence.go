package persistence

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Executions ExecutionStore
	Events     EventStore
}

// NewInMemory returns a Persistence backed by a single InMemoryStore.
func NewInMemory() Persistence {
	mem := NewInMemoryStore()
	return Persistence{
		Executions: mem,
		Events:     mem,
	}
}

// NewSQLite returns a Persistence storing executions and events in db.
func NewSQLite(db *sql.DB) (Persistence, error) {
	executions, err := NewSQLiteExecutionStore(db)
	if err != nil {
		return Persistence{}, err
	}
	events, err := NewSQLiteEventStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Executions: executions, Events: events}, nil
}

// NewPostgres returns a Persistence backed by a pgx pool.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (Persistence, error) {
	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Executions: store, Events: store}, nil
}

// NewRedis returns a Persistence backed by Redis under the given key prefix.
func NewRedis(client *redis.Client, prefix string) Persistence {
	store := NewRedisStore(client, prefix)
	return Persistence{Executions: store, Events: store}
}

// NewMongo returns a Persistence backed by collections in db.
func NewMongo(ctx context.Context, db *mongo.Database) (Persistence, error) {
	store, err := NewMongoStore(ctx, db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Executions: store, Events: store}, nil
}
