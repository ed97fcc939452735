package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/stepchain/pkg/api"
)

// SQLiteExecutionStore is an ExecutionStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteExecutionStore struct {
	db *sql.DB
}

// Ensure SQLiteExecutionStore implements ExecutionStore.
var _ ExecutionStore = (*SQLiteExecutionStore)(nil)

// NewSQLiteExecutionStore initializes the required schema in the given
// database and returns a new SQLiteExecutionStore.
func NewSQLiteExecutionStore(db *sql.DB) (*SQLiteExecutionStore, error) {
	s := &SQLiteExecutionStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteExecutionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			start_at INTEGER NOT NULL,
			end_at INTEGER NOT NULL DEFAULT 0,
			input BLOB,
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			suspension BLOB,
			user_context BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, status);
	`)
	return err
}

func (s *SQLiteExecutionStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	rec, err := toRecord(exec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, workflow_name, status, current_step, start_at, end_at, input, result, error, suspension, user_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.WorkflowID,
		rec.WorkflowName,
		rec.Status,
		rec.CurrentStep,
		unixNano(rec.StartAt),
		unixNano(rec.EndAt),
		rec.Input,
		rec.Result,
		rec.Error,
		rec.Suspension,
		rec.UserContext,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrExecutionExists
	}
	return err
}

func (s *SQLiteExecutionStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	return s.update(ctx, exec, "")
}

func (s *SQLiteExecutionStore) TransitionExecution(ctx context.Context, exec *api.Execution, from api.Status) error {
	return s.update(ctx, exec, from)
}

// update overwrites the row, guarded by its current status unless from is
// empty.
func (s *SQLiteExecutionStore) update(ctx context.Context, exec *api.Execution, from api.Status) error {
	rec, err := toRecord(exec)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions
		SET workflow_id = ?, workflow_name = ?, status = ?, current_step = ?, start_at = ?, end_at = ?,
		    input = ?, result = ?, error = ?, suspension = ?, user_context = ?
		WHERE id = ?`
	args := []any{
		rec.WorkflowID,
		rec.WorkflowName,
		rec.Status,
		rec.CurrentStep,
		unixNano(rec.StartAt),
		unixNano(rec.EndAt),
		rec.Input,
		rec.Result,
		rec.Error,
		rec.Suspension,
		rec.UserContext,
		rec.ID,
	}
	if from != "" {
		query += ` AND status = ?`
		args = append(args, string(from))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.missOrConflict(ctx, exec.ID, from)
	}

	return nil
}

func (s *SQLiteExecutionStore) missOrConflict(ctx context.Context, id string, from api.Status) error {
	if from == "" {
		return ErrExecutionNotFound
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrExecutionNotFound
	}
	return ErrStatusConflict
}

const sqliteSelectExecution = `
	SELECT id, workflow_id, workflow_name, status, current_step, start_at, end_at, input, result, error, suspension, user_context
	FROM executions`

func (s *SQLiteExecutionStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectExecution+` WHERE id = ?`, id)

	exec, err := scanSQLiteExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (s *SQLiteExecutionStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	query := sqliteSelectExecution
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*api.Execution
	for rows.Next() {
		exec, err := scanSQLiteExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}

	return executions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteExecution(row rowScanner) (*api.Execution, error) {
	var rec executionRecord
	var startAt, endAt int64

	if err := row.Scan(
		&rec.ID,
		&rec.WorkflowID,
		&rec.WorkflowName,
		&rec.Status,
		&rec.CurrentStep,
		&startAt,
		&endAt,
		&rec.Input,
		&rec.Result,
		&rec.Error,
		&rec.Suspension,
		&rec.UserContext,
	); err != nil {
		return nil, err
	}
	rec.StartAt = fromUnixNano(startAt)
	rec.EndAt = fromUnixNano(endAt)

	return fromRecord(rec)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
