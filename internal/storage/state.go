package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"reddot-watch/ingestor/internal/database"
	"reddot-watch/ingestor/internal/models"
)

// StateRepository keeps the shared run state of the refresh coordinator,
// so every instance sees the same last successful run.
type StateRepository struct {
	db *database.DB
}

// NewStateRepository creates a new run state repository
func NewStateRepository(db *database.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Get returns the run state for name. A name that never ran yields a state
// with no success recorded.
func (r *StateRepository) Get(ctx context.Context, name string) (*models.RunState, error) {
	query, args, err := r.db.Builder().
		Select("name", "last_success_at", "last_failure_at", "last_failure_reason", "last_outcome", "updated_at").
		From("refresh_state").
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build state query: %w", err)
	}

	var st models.RunState
	if err := r.db.GetContext(ctx, &st, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.RunState{Name: name}, nil
		}
		return nil, persistErr("get run state", err)
	}
	return &st, nil
}

// LastSuccess returns the time of the last completed cycle, if any.
func (r *StateRepository) LastSuccess(ctx context.Context, name string) (time.Time, bool, error) {
	st, err := r.Get(ctx, name)
	if err != nil {
		return time.Time{}, false, err
	}
	if !st.LastSuccessAt.Valid {
		return time.Time{}, false, nil
	}
	return st.LastSuccessAt.Time, true, nil
}

// RecordSuccess stores a completed cycle.
func (r *StateRepository) RecordSuccess(ctx context.Context, name, outcome string, at time.Time) error {
	query, args, err := r.db.Builder().
		Insert("refresh_state").
		Columns("name", "last_success_at", "last_outcome", "updated_at").
		Values(name, at.UTC(), outcome, at.UTC()).
		Suffix(`ON CONFLICT (name) DO UPDATE SET
			last_success_at = excluded.last_success_at,
			last_outcome = excluded.last_outcome,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build state update: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return persistErr("record run success", err)
	}
	return nil
}

// RecordFailure stores a failed cycle. The last success time is left untouched.
func (r *StateRepository) RecordFailure(ctx context.Context, name, outcome, reason string, at time.Time) error {
	query, args, err := r.db.Builder().
		Insert("refresh_state").
		Columns("name", "last_failure_at", "last_failure_reason", "last_outcome", "updated_at").
		Values(name, at.UTC(), reason, outcome, at.UTC()).
		Suffix(`ON CONFLICT (name) DO UPDATE SET
			last_failure_at = excluded.last_failure_at,
			last_failure_reason = excluded.last_failure_reason,
			last_outcome = excluded.last_outcome,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build state update: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return persistErr("record run failure", err)
	}
	return nil
}
