package models

import (
	"database/sql"
	"time"
)

// Article represents a row in the 'articles' table. Rows are append-only.
type Article struct {
	ID          int64          `db:"id" json:"id"`
	Slug        string         `db:"slug" json:"slug"`
	Title       string         `db:"title" json:"title"`
	Description string         `db:"description" json:"description"`
	Author      string         `db:"author" json:"author"`
	SourceID    string         `db:"source_id" json:"source_id"`
	CategoryID  string         `db:"category_id" json:"category_id"`
	PublishedAt time.Time      `db:"published_at" json:"published_at"`
	ImageURL    sql.NullString `db:"image_url" json:"-"`
	OriginalURL string         `db:"original_url" json:"original_url"`
	DedupKey    string         `db:"dedup_key" json:"dedup_key"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// NewArticle creates a new Article with default values
func NewArticle() *Article {
	return &Article{
		CreatedAt: time.Now().UTC(),
	}
}

// SetImage records a validated image URL; an empty string clears it.
func (a *Article) SetImage(u string) {
	a.ImageURL = sql.NullString{String: u, Valid: u != ""}
}

// DailySourceStat represents a row in the 'daily_source_stats' table
type DailySourceStat struct {
	SourceID string `db:"source_id"`
	Day      string `db:"day"` // YYYY-MM-DD in the configured timezone
	Stored   int    `db:"stored"`
}

// DayKey formats t as the calendar day used for quota accounting.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
