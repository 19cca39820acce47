package lock

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

// SQLStore keeps the lock as a row in 'refresh_locks' of the article database.
type SQLStore struct {
	db   *database.DB
	name string
	now  func() time.Time
}

type lockRow struct {
	Name       string `db:"name"`
	Token      string `db:"token"`
	AcquiredAt int64  `db:"acquired_at"`
	ExpiresAt  int64  `db:"expires_at"`
}

// NewSQLStore creates a lock store on db
func NewSQLStore(db *database.DB, name string) *SQLStore {
	return &SQLStore{db: db, name: name, now: time.Now}
}

// TryAcquire inserts the lock row, or takes over an expired one, in a single statement.
func (s *SQLStore) TryAcquire(ctx context.Context, ttl time.Duration) (string, bool, error) {
	now := s.now()
	token := newToken()

	query, args, err := s.db.Builder().
		Insert("refresh_locks").
		Columns("name", "token", "acquired_at", "expires_at").
		Values(s.name, token, now.UnixMilli(), now.Add(ttl).UnixMilli()).
		Suffix(`ON CONFLICT (name) DO UPDATE SET
			token = excluded.token,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
			WHERE refresh_locks.expires_at <= ?`, now.UnixMilli()).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("failed to build acquire statement: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", false, &LockError{Backend: BackendSQL, Op: "acquire", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, &LockError{Backend: BackendSQL, Op: "acquire", Err: err}
	}
	if n == 0 {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the row only while it still carries token.
func (s *SQLStore) Release(ctx context.Context, token string) error {
	query, args, err := s.db.Builder().
		Delete("refresh_locks").
		Where(sq.Eq{"name": s.name, "token": token}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build release statement: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &LockError{Backend: BackendSQL, Op: "release", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &LockError{Backend: BackendSQL, Op: "release", Err: err}
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Current returns the lock row, or nil when none exists.
func (s *SQLStore) Current(ctx context.Context) (*models.RefreshLock, error) {
	query, args, err := s.db.Builder().
		Select("name", "token", "acquired_at", "expires_at").
		From("refresh_locks").
		Where(sq.Eq{"name": s.name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build lock query: %w", err)
	}

	var row lockRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &LockError{Backend: BackendSQL, Op: "inspect", Err: err}
	}
	return &models.RefreshLock{
		Name:       row.Name,
		Token:      row.Token,
		AcquiredAt: fromMillis(row.AcquiredAt),
		ExpiresAt:  fromMillis(row.ExpiresAt),
	}, nil
}

// IsExpired reports whether the lock is absent or past its expiry.
func (s *SQLStore) IsExpired(ctx context.Context) (bool, error) {
	cur, err := s.Current(ctx)
	if err != nil {
		return false, err
	}
	return cur == nil || cur.Expired(s.now()), nil
}

// Close is a no-op; the database is owned by the caller.
func (s *SQLStore) Close() error {
	return nil
}
