package stepchain

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/stepchain/internal/engine"
	"github.com/petrijr/stepchain/internal/persistence"
	"github.com/petrijr/stepchain/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	Registry             = engine.Registry
	WorkflowDefinition   = api.WorkflowDefinition
	Execution            = api.Execution
	ExecutionFilter      = api.ExecutionFilter
	Result               = api.Result
	Suspension           = api.Suspension
	Status               = api.Status
	Step                 = api.Step
	StepContext          = api.StepContext
	StepFunc             = api.StepFunc
	StepOption           = api.StepOption
	RunOption            = api.RunOption
	Condition            = api.Condition
	Schema               = api.Schema
	SchemaFunc           = api.SchemaFunc
	RetryPolicy          = api.RetryPolicy
	Agent                = api.Agent
	AgentFunc            = api.AgentFunc
	PromptFunc           = api.PromptFunc
	Event                = api.Event
	EventType            = api.EventType
	Subscriber           = api.Subscriber
	SubscriberFunc       = api.SubscriberFunc
	LoggingSubscriber    = api.LoggingSubscriber
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	Recorder             = api.Recorder
)

// Re-export status values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusCompleted = api.StatusCompleted
	StatusErrored   = api.StatusErrored
)

var (
	ErrWorkflowNotFound   = api.ErrWorkflowNotFound
	ErrWorkflowExists     = api.ErrWorkflowExists
	ErrExecutionNotFound  = api.ErrExecutionNotFound
	ErrInvalidResumeState = api.ErrInvalidResumeState
	ErrRegistryClosed     = api.ErrRegistryClosed
)

var (
	NewLoggingSubscriber = api.NewLoggingSubscriber
	WithExecutionID      = api.WithExecutionID
	WithUserContext      = api.WithUserContext
)

// Option configures a registry created by the constructors below.
type Option func(*engine.Config)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = logger }
}

// WithSubscribers adds event subscribers, in order.
func WithSubscribers(subs ...Subscriber) Option {
	return func(c *engine.Config) { c.Subscribers = append(c.Subscribers, subs...) }
}

// WithAllowOverwrite lets RegisterWorkflow replace a definition with the
// same ID.
func WithAllowOverwrite() Option {
	return func(c *engine.Config) { c.AllowOverwrite = true }
}

func newRegistry(p persistence.Persistence, opts []Option) *Registry {
	cfg := engine.Config{Persistence: p}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return engine.NewRegistry(cfg)
}

// Registry constructors.
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns a registry keeping executions and events in
// memory.
func NewInMemoryEngine(opts ...Option) *Registry {
	return newRegistry(persistence.NewInMemory(), opts)
}

// NewSQLiteEngine returns a registry that persists executions and events
// in a SQLite database. Workflow definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (*Registry, error) {
	p, err := persistence.NewSQLite(db)
	if err != nil {
		return nil, err
	}
	return newRegistry(p, opts), nil
}

// NewPostgresEngine returns a registry that persists executions and events
// in PostgreSQL.
func NewPostgresEngine(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Registry, error) {
	p, err := persistence.NewPostgres(ctx, pool)
	if err != nil {
		return nil, err
	}
	return newRegistry(p, opts), nil
}

// NewMongoEngine returns a registry that persists executions and events in
// the "executions" and "execution_events" collections of db.
func NewMongoEngine(ctx context.Context, db *mongo.Database, opts ...Option) (*Registry, error) {
	p, err := persistence.NewMongo(ctx, db)
	if err != nil {
		return nil, err
	}
	return newRegistry(p, opts), nil
}

// NewRedisEngine returns a registry that persists executions and events in
// Redis under prefix. An empty prefix selects "stepchain:".
func NewRedisEngine(client *redis.Client, prefix string, opts ...Option) *Registry {
	return newRegistry(persistence.NewRedis(client, prefix), opts)
}

// Convenience helpers that just forward to the underlying Engine.

// Run starts a registered workflow and drives it until it completes,
// errors or suspends.
func Run(ctx context.Context, eng Engine, workflowID string, input any, opts ...RunOption) (*Result, error) {
	return eng.Run(ctx, workflowID, input, opts...)
}

// Resume continues a suspended execution with resumeData.
func Resume(ctx context.Context, eng Engine, executionID string, resumeData any) (*Result, error) {
	return eng.ResumeExecution(ctx, executionID, resumeData)
}

// GetExecution fetches an execution by ID.
func GetExecution(ctx context.Context, eng Engine, id string) (*Execution, error) {
	return eng.GetExecution(ctx, id)
}

// ListExecutions lists executions matching filter.
func ListExecutions(ctx context.Context, eng Engine, filter ExecutionFilter) ([]*Execution, error) {
	return eng.ListExecutions(ctx, filter)
}

// RecoverStuckExecutions delegates to eng.RecoverStuckExecutions.
//
// It is typically called on process startup before accepting runs:
//
//	count, err := stepchain.RecoverStuckExecutions(ctx, registry)
func RecoverStuckExecutions(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckExecutions(ctx)
}
