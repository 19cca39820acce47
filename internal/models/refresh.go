package models

import (
	"database/sql"
	"time"
)

// RefreshLock is the singleton mutual-exclusion record for ingestion cycles.
type RefreshLock struct {
	Name       string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lock's TTL has elapsed at now.
func (l RefreshLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// RunState represents the 'refresh_state' row shared by all coordinator instances.
type RunState struct {
	Name              string         `db:"name"`
	LastSuccessAt     sql.NullTime   `db:"last_success_at"`
	LastFailureAt     sql.NullTime   `db:"last_failure_at"`
	LastFailureReason sql.NullString `db:"last_failure_reason"`
	LastOutcome       sql.NullString `db:"last_outcome"`
	UpdatedAt         time.Time      `db:"updated_at"`
}
