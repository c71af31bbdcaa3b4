package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Schema creates the session tables. Apply via dbopen.WithSchema alongside
// workflow.Schema.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL DEFAULT 'running',
    document_cnt INTEGER NOT NULL DEFAULT 0,
    result_json  TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    finalized_at INTEGER
);

CREATE TABLE IF NOT EXISTS session_events (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    stage      TEXT NOT NULL,
    percent    INTEGER NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    stats_json TEXT NOT NULL DEFAULT '',
    final      INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// ErrSessionNotFound is returned for unknown session IDs.
var ErrSessionNotFound = errors.New("pipeline: session not found")

// Store persists sessions and their progress-event log. The event log is
// what makes progress delivery replay-safe across restarts.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession registers a new running session.
func (s *Store) CreateSession(ctx context.Context, id string, documents int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, document_cnt, created_at)
		VALUES (?,?,?,?)`,
		id, string(StatusRunning), documents, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// Finalize stores the terminal status and the aggregated result.
func (s *Store) Finalize(ctx context.Context, id string, status Status, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("finalize session %s: marshal: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, result_json = ?, finalized_at = ?
		WHERE id = ?`,
		string(status), string(data), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("finalize session %s: %w", id, err)
	}
	return nil
}

// Result loads a finalized session's result. Running sessions return
// ErrSessionNotFound for the result payload (callers use the in-memory
// session until finalization).
func (s *Store) Result(ctx context.Context, id string) (*Result, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_json FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && data == "") {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var r Result
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("load session %s: unmarshal: %w", id, err)
	}
	return &r, nil
}

// AppendEvent persists one progress event. Best-effort from the emitter's
// point of view: a failing event write must never block pipeline progress.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, e Event) error {
	stats := ""
	if e.Stats != nil {
		data, err := json.Marshal(e.Stats)
		if err == nil {
			stats = string(data)
		}
	}
	final := 0
	if e.Final {
		final = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, seq, stage, percent, message, stats_json, final, created_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (session_id, seq) DO NOTHING`,
		sessionID, e.Seq, string(e.Stage), e.Percent, e.Message, stats, final, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", sessionID, e.Seq, err)
	}
	return nil
}

// Events loads the persisted event log for a session, in seq order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stage, percent, message, stats_json, final
		FROM session_events WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var stage, stats string
		var final int
		if err := rows.Scan(&e.Seq, &stage, &e.Percent, &e.Message, &stats, &final); err != nil {
			return nil, fmt.Errorf("load events %s: %w", sessionID, err)
		}
		e.Stage = Stage(stage)
		e.Final = final != 0
		if stats != "" {
			var fs FilterStats
			if err := json.Unmarshal([]byte(stats), &fs); err == nil {
				e.Stats = &fs
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
