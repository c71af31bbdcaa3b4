package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schema creates the workflow state table. Apply via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_states (
    document_id TEXT NOT NULL,
    item_index  INTEGER NOT NULL,
    item_kind   TEXT NOT NULL,
    state       TEXT NOT NULL DEFAULT 'detected',
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (document_id, item_index, item_kind)
);
`

// ErrNotFound is returned when no state row exists for a key.
var ErrNotFound = errors.New("workflow: item not found")

// Store persists review states.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init registers a new item at StateDetected. Re-registering an existing key
// is a no-op so re-running a session over the same documents never resets
// review progress.
func (s *Store) Init(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_states (document_id, item_index, item_kind, state, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (document_id, item_index, item_kind) DO NOTHING`,
		key.DocumentID, key.Index, string(key.Kind), string(StateDetected), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("workflow init %s: %w", key, err)
	}
	return nil
}

// Get loads the current state for a key.
func (s *Store) Get(ctx context.Context, key Key) (State, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM workflow_states
		WHERE document_id = ? AND item_index = ? AND item_kind = ?`,
		key.DocumentID, key.Index, string(key.Kind)).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("workflow get %s: %w", key, err)
	}
	return State(st), nil
}

// Advance requests a transition to target. The update is guarded by the
// current state in SQL, so two concurrent reviewers cannot both advance the
// same item; the second request finds the state already moved and is
// rejected with the now-current state.
func (s *Store) Advance(ctx context.Context, key Key, target State) (AdvanceResult, error) {
	cur, err := s.Get(ctx, key)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !target.Valid() || !cur.CanAdvance(target) {
		return AdvanceResult{Accepted: false, State: cur}, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_states SET state = ?, updated_at = ?
		WHERE document_id = ? AND item_index = ? AND item_kind = ? AND state = ?`,
		string(target), time.Now().Unix(),
		key.DocumentID, key.Index, string(key.Kind), string(cur))
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("workflow advance %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("workflow advance %s: %w", key, err)
	}
	if n == 0 {
		// Lost a race; report the state as stored now.
		cur, err = s.Get(ctx, key)
		if err != nil {
			return AdvanceResult{}, err
		}
		return AdvanceResult{Accepted: false, State: cur}, nil
	}
	return AdvanceResult{Accepted: true, State: target}, nil
}
