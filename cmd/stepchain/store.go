package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stepchain"
	"github.com/petrijr/stepchain/internal/config"
)

// newLogger builds the slog handler selected by the log settings.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// openRegistry connects to the configured store and returns a registry
// with the sample workflows registered. release closes the registry and
// the store connection.
func openRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (reg *stepchain.Registry, release func() error, err error) {
	opts := []stepchain.Option{
		stepchain.WithLogger(logger),
		stepchain.WithSubscribers(stepchain.NewLoggingSubscriber(logger)),
	}
	if cfg.Registry.AllowOverwrite {
		opts = append(opts, stepchain.WithAllowOverwrite())
	}

	closeStore := func() error { return nil }
	switch cfg.Store.Driver {
	case config.DriverMemory:
		reg = stepchain.NewInMemoryEngine(opts...)
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Store.DSN, err)
		}
		db.SetMaxOpenConns(1)
		if reg, err = stepchain.NewSQLiteEngine(db, opts...); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		closeStore = db.Close
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if reg, err = stepchain.NewPostgresEngine(ctx, pool, opts...); err != nil {
			pool.Close()
			return nil, nil, err
		}
		closeStore = func() error {
			pool.Close()
			return nil
		}
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Store.RedisAddr, err)
		}
		reg = stepchain.NewRedisEngine(client, cfg.Store.RedisPrefix, opts...)
		closeStore = client.Close
	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.WithoutCancel(ctx)) }
		if err := client.Ping(ctx, nil); err != nil {
			_ = disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		if reg, err = stepchain.NewMongoEngine(ctx, client.Database(cfg.Store.MongoDB), opts...); err != nil {
			_ = disconnect()
			return nil, nil, err
		}
		closeStore = disconnect
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	for _, chain := range sampleWorkflows() {
		if err := chain.Register(reg); err != nil {
			_ = closeStore()
			return nil, nil, err
		}
	}

	release = func() error {
		err := reg.Close(context.WithoutCancel(ctx))
		if cerr := closeStore(); err == nil {
			err = cerr
		}
		return err
	}
	return reg, release, nil
}
