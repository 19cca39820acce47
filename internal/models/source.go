package models

import (
	"database/sql"
	"time"
)

// Source represents a single external feed configuration. Definitions come from the
// catalog (or the 'sources' table); only the status fields are written by the pipeline.
type Source struct {
	ID         string  `db:"id" yaml:"id"`
	Name       string  `db:"name" yaml:"name"`
	FeedURL    string  `db:"feed_url" yaml:"feed_url"`
	CategoryID string  `db:"category_id" yaml:"category"`
	Enabled    bool    `db:"enabled" yaml:"enabled"`
	Priority   float64 `db:"priority" yaml:"priority"`
	BatchSize  int     `db:"batch_size" yaml:"batch_size"`
	DailyQuota int     `db:"daily_quota" yaml:"daily_quota"`

	// Status fields, stored in 'source_status'
	ErrorCount    int            `db:"error_count" yaml:"-"`
	LastError     sql.NullString `db:"last_error" yaml:"-"`
	LastFetchedAt sql.NullTime   `db:"last_fetched_at" yaml:"-"`
}

// SourceStatus represents a row in the 'source_status' table
type SourceStatus struct {
	SourceID      string         `db:"source_id"`
	ErrorCount    int            `db:"error_count"`
	LastError     sql.NullString `db:"last_error"`
	LastFetchedAt sql.NullTime   `db:"last_fetched_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// ApplyStatus copies the persisted status fields onto the source definition.
func (s *Source) ApplyStatus(st SourceStatus) {
	s.ErrorCount = st.ErrorCount
	s.LastError = st.LastError
	s.LastFetchedAt = st.LastFetchedAt
}

// NewSource creates a new Source with default values
func NewSource() *Source {
	return &Source{
		Enabled:  true,
		Priority: 1,
	}
}
