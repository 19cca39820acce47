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

// SourceRepository persists imported source definitions and per-source fetch status.
type SourceRepository struct {
	db *database.DB
}

// NewSourceRepository creates a new source repository
func NewSourceRepository(db *database.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// Upsert inserts a source definition or replaces the one with the same id.
func (r *SourceRepository) Upsert(ctx context.Context, src models.Source) error {
	now := time.Now().UTC()
	query, args, err := r.db.Builder().
		Insert("sources").
		Columns("id", "name", "feed_url", "category_id", "enabled", "priority",
			"batch_size", "daily_quota", "created_at", "updated_at").
		Values(src.ID, src.Name, src.FeedURL, src.CategoryID, src.Enabled, src.Priority,
			src.BatchSize, src.DailyQuota, now, now).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			feed_url = excluded.feed_url,
			category_id = excluded.category_id,
			enabled = excluded.enabled,
			priority = excluded.priority,
			batch_size = excluded.batch_size,
			daily_quota = excluded.daily_quota,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build source upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return persistErr("upsert source", err)
	}
	return nil
}

// List returns every imported source definition ordered by id.
func (r *SourceRepository) List(ctx context.Context) ([]models.Source, error) {
	query, args, err := r.db.Builder().
		Select("id", "name", "feed_url", "category_id", "enabled", "priority", "batch_size", "daily_quota").
		From("sources").
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build source list: %w", err)
	}

	sources := []models.Source{}
	if err := r.db.SelectContext(ctx, &sources, query, args...); err != nil {
		return nil, persistErr("list sources", err)
	}
	return sources, nil
}

// Statuses returns the fetch status of every source that has one, keyed by source id.
func (r *SourceRepository) Statuses(ctx context.Context) (map[string]models.SourceStatus, error) {
	query, args, err := r.db.Builder().
		Select("source_id", "error_count", "last_error", "last_fetched_at", "updated_at").
		From("source_status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build status list: %w", err)
	}

	var rows []models.SourceStatus
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, persistErr("list source status", err)
	}

	out := make(map[string]models.SourceStatus, len(rows))
	for _, st := range rows {
		out[st.SourceID] = st
	}
	return out, nil
}

// RecordFailure increments the source's error count and stores the message.
func (r *SourceRepository) RecordFailure(ctx context.Context, sourceID, message string, at time.Time) error {
	query, args, err := r.db.Builder().
		Insert("source_status").
		Columns("source_id", "error_count", "last_error", "updated_at").
		Values(sourceID, 1, message, at.UTC()).
		Suffix(`ON CONFLICT (source_id) DO UPDATE SET
			error_count = source_status.error_count + 1,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build failure update: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return persistErr("record source failure", err)
	}
	return nil
}

// RecordSuccess stamps the source's last successful fetch. The error count is kept.
func (r *SourceRepository) RecordSuccess(ctx context.Context, sourceID string, at time.Time) error {
	query, args, err := r.db.Builder().
		Insert("source_status").
		Columns("source_id", "error_count", "last_fetched_at", "updated_at").
		Values(sourceID, 0, at.UTC(), at.UTC()).
		Suffix(`ON CONFLICT (source_id) DO UPDATE SET
			last_fetched_at = excluded.last_fetched_at,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build success update: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return persistErr("record source success", err)
	}
	return nil
}

// Status returns one source's status; the zero value when it has never been fetched.
func (r *SourceRepository) Status(ctx context.Context, sourceID string) (models.SourceStatus, error) {
	query, args, err := r.db.Builder().
		Select("source_id", "error_count", "last_error", "last_fetched_at", "updated_at").
		From("source_status").
		Where(sq.Eq{"source_id": sourceID}).
		ToSql()
	if err != nil {
		return models.SourceStatus{}, fmt.Errorf("failed to build status query: %w", err)
	}

	var st models.SourceStatus
	if err := r.db.GetContext(ctx, &st, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SourceStatus{SourceID: sourceID}, nil
		}
		return models.SourceStatus{}, persistErr("get source status", err)
	}
	return st, nil
}
