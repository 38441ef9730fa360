package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mergebot/pkg/train"
)

// ErrCorruptState indicates a stored train record that fails schema
// validation. The record is surfaced as-is; nothing is fabricated or
// repaired automatically.
var ErrCorruptState = errors.New("corrupt train state")

// TrainStore persists train state in SQLite, one row per
// (repository_id, branch).
type TrainStore struct {
	db *sql.DB
}

// NewTrainStore wraps an initialized database connection.
func NewTrainStore(db *sql.DB) *TrainStore {
	return &TrainStore{db: db}
}

// LoadTrain returns the stored state for a branch, or nil when no record
// exists. A record that cannot be decoded or fails validation returns
// ErrCorruptState.
func (s *TrainStore) LoadTrain(ctx context.Context, repositoryID int64, branch string) (*train.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM train_states WHERE repository_id = ? AND branch = ?",
		repositoryID, branch,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load train %s: %w", train.StateKey(repositoryID, branch), err)
	}

	var state train.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, train.StateKey(repositoryID, branch), err)
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, train.StateKey(repositoryID, branch), err)
	}
	return &state, nil
}

// SaveTrain upserts the state record for a branch.
func (s *TrainStore) SaveTrain(ctx context.Context, repositoryID int64, branch string, state *train.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode train %s: %w", train.StateKey(repositoryID, branch), err)
	}

	query := `
		INSERT INTO train_states (repository_id, branch, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repository_id, branch) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, repositoryID, branch, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save train %s: %w", train.StateKey(repositoryID, branch), err)
	}
	return nil
}

// TrainRecord is one persisted train row, used by operator tooling.
type TrainRecord struct {
	RepositoryID int64
	Branch       string
	State        *train.State
	UpdatedAt    time.Time
}

// ListTrains returns every persisted train record. Corrupt rows are returned
// with a nil State rather than aborting the listing.
func (s *TrainStore) ListTrains(ctx context.Context) ([]TrainRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT repository_id, branch, state, updated_at FROM train_states ORDER BY repository_id, branch")
	if err != nil {
		return nil, fmt.Errorf("failed to list trains: %w", err)
	}
	defer rows.Close()

	var records []TrainRecord
	for rows.Next() {
		var rec TrainRecord
		var raw string
		if err := rows.Scan(&rec.RepositoryID, &rec.Branch, &raw, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan train row: %w", err)
		}
		var state train.State
		if err := json.Unmarshal([]byte(raw), &state); err == nil && state.Validate() == nil {
			rec.State = &state
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate train rows: %w", err)
	}
	return records, nil
}

// RecordDelivery registers a webhook delivery ID and reports whether it was
// seen for the first time. Duplicate deliveries return false so the caller
// can drop replays.
func (s *TrainStore) RecordDelivery(ctx context.Context, deliveryID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO deliveries (id, event_type) VALUES (?, ?)",
		deliveryID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to record delivery %s: %w", deliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delivery insert result: %w", err)
	}
	return n == 1, nil
}

// PruneDeliveries removes delivery records older than the retention window.
func (s *TrainStore) PruneDeliveries(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM deliveries WHERE received_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
