package persistence

import (
	"context"
	"database/sql"

	"github.com/petrijr/stepchain/pkg/api"
)

// SQLiteEventStore stores lifecycle events in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

// Ensure SQLiteEventStore implements the interfaces.
var _ EventStore = (*SQLiteEventStore)(nil)

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			body BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_execution_events_execution_id ON execution_events(execution_id, seq);
	`)
	return err
}

func (s *SQLiteEventStore) AppendEvent(ctx context.Context, ev api.Event) error {
	body, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_events (id, execution_id, at, type, step_id, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.ExecutionID,
		unixNano(ev.At),
		string(ev.Type),
		ev.StepID,
		body,
	)
	return err
}

func (s *SQLiteEventStore) ListEvents(ctx context.Context, executionID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body
		FROM execution_events
		WHERE execution_id = ?
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
