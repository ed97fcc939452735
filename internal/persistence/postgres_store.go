package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/stepchain/pkg/api"
)

// PostgresStore keeps executions and events in PostgreSQL through a pgx
// connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

var (
	_ ExecutionStore = (*PostgresStore)(nil)
	_ EventStore     = (*PostgresStore)(nil)
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		current_step INTEGER NOT NULL DEFAULT 0,
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ,
		input BYTEA,
		result BYTEA,
		error TEXT NOT NULL DEFAULT '',
		suspension BYTEA,
		user_context BYTEA
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, status)`,
	`CREATE TABLE IF NOT EXISTS execution_events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		body BYTEA NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_events_execution_id ON execution_events(execution_id, seq)`,
}

// NewPostgresStore creates the schema if needed and returns a store using db.
func NewPostgresStore(ctx context.Context, db *pgxpool.Pool) (*PostgresStore, error) {
	for _, stmt := range postgresSchema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init postgres schema: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	rec, err := toRecord(exec)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, workflow_name, status, current_step, start_at, end_at, input, result, error, suspension, user_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID,
		rec.WorkflowID,
		rec.WorkflowName,
		rec.Status,
		rec.CurrentStep,
		rec.StartAt,
		nullTime(rec.EndAt),
		rec.Input,
		rec.Result,
		rec.Error,
		rec.Suspension,
		rec.UserContext,
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExecutionExists
	}
	return err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	return s.update(ctx, exec, "")
}

func (s *PostgresStore) TransitionExecution(ctx context.Context, exec *api.Execution, from api.Status) error {
	return s.update(ctx, exec, from)
}

func (s *PostgresStore) update(ctx context.Context, exec *api.Execution, from api.Status) error {
	rec, err := toRecord(exec)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions
		SET workflow_id = $1, workflow_name = $2, status = $3, current_step = $4, start_at = $5, end_at = $6,
		    input = $7, result = $8, error = $9, suspension = $10, user_context = $11
		WHERE id = $12`
	args := []any{
		rec.WorkflowID,
		rec.WorkflowName,
		rec.Status,
		rec.CurrentStep,
		rec.StartAt,
		nullTime(rec.EndAt),
		rec.Input,
		rec.Result,
		rec.Error,
		rec.Suspension,
		rec.UserContext,
		rec.ID,
	}
	if from != "" {
		query += ` AND status = $13`
		args = append(args, string(from))
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if from == "" {
		return ErrExecutionNotFound
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrExecutionNotFound
	}
	return ErrStatusConflict
}

const postgresSelectExecution = `
	SELECT id, workflow_id, workflow_name, status, current_step, start_at, end_at, input, result, error, suspension, user_context
	FROM executions`

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRow(ctx, postgresSelectExecution+` WHERE id = $1`, id)

	exec, err := scanPostgresExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	query := postgresSelectExecution
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		clauses = append(clauses, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_at ASC, id ASC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.Execution
	for rows.Next() {
		exec, err := scanPostgresExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func scanPostgresExecution(row pgx.Row) (*api.Execution, error) {
	var rec executionRecord
	var endAt *time.Time

	if err := row.Scan(
		&rec.ID,
		&rec.WorkflowID,
		&rec.WorkflowName,
		&rec.Status,
		&rec.CurrentStep,
		&rec.StartAt,
		&endAt,
		&rec.Input,
		&rec.Result,
		&rec.Error,
		&rec.Suspension,
		&rec.UserContext,
	); err != nil {
		return nil, err
	}
	rec.StartAt = rec.StartAt.UTC()
	if endAt != nil {
		rec.EndAt = endAt.UTC()
	}
	return fromRecord(rec)
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev api.Event) error {
	body, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO execution_events (id, execution_id, at, type, step_id, body)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.ExecutionID, ev.At, string(ev.Type), ev.StepID, body,
	)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context, executionID string) ([]api.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT body FROM execution_events
		WHERE execution_id = $1
		ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		ev, err := decodeEvent(body)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
