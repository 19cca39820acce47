package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/database"
	"reddot-watch/ingestor/internal/models"
)

var articleColumns = []string{
	"id", "slug", "title", "description", "author", "source_id", "category_id",
	"published_at", "image_url", "original_url", "dedup_key", "created_at",
}

// ArticleRepository defines read access to stored articles for the API.
type ArticleRepository interface {
	FetchArticles(ctx context.Context, limit int, since *time.Time, cursorTimestamp *time.Time, cursorID *int64) ([]models.Article, error)
}

// ArticleStore is the append-only article table plus its per-day counters.
type ArticleStore struct {
	db  *database.DB
	loc *time.Location
}

// NewArticleStore creates a store; loc decides the calendar day of inserts made without an explicit day.
func NewArticleStore(db *database.DB, loc *time.Location) *ArticleStore {
	if loc == nil {
		loc = time.UTC
	}
	return &ArticleStore{db: db, loc: loc}
}

// FindByDedupKeyOrURL returns the article matching either key, or nil when none does.
func (s *ArticleStore) FindByDedupKeyOrURL(ctx context.Context, dedupKey, url string) (*models.Article, error) {
	query, args, err := s.db.Builder().
		Select(articleColumns...).
		From("articles").
		Where(sq.Or{sq.Eq{"dedup_key": dedupKey}, sq.Eq{"original_url": url}}).
		OrderBy("id ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup query: %w", err)
	}

	var a models.Article
	if err := s.db.GetContext(ctx, &a, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, persistErr("find article", err)
	}
	return &a, nil
}

// StoreIfNew inserts a when neither its dedup key nor its url is known yet and
// bumps the source's counter for day, all in one transaction. An empty day is
// derived from a.CreatedAt in the store's location. It returns false for
// duplicates, including those inserted concurrently by another worker.
func (s *ArticleStore) StoreIfNew(ctx context.Context, a *models.Article, categories *models.CategoryTable, day string) (bool, error) {
	if categories != nil && !categories.Has(a.CategoryID) {
		log.Warn().
			Str("category_id", a.CategoryID).
			Str("url", a.OriginalURL).
			Msg("Unknown category, storing under catch-all")
		a.CategoryID = categories.DefaultID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if day == "" {
		day = models.DayKey(a.CreatedAt, s.loc)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, persistErr("begin transaction", err)
	}
	defer tx.Rollback()

	exists, err := s.existsTx(ctx, tx, a.DedupKey, a.OriginalURL)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	query, args, err := s.db.Builder().
		Insert("articles").
		Columns("slug", "title", "description", "author", "source_id", "category_id",
			"published_at", "image_url", "original_url", "dedup_key", "created_at").
		Values(a.Slug, a.Title, a.Description, a.Author, a.SourceID, a.CategoryID,
			a.PublishedAt.UTC(), a.ImageURL, a.OriginalURL, a.DedupKey, a.CreatedAt.UTC()).
		Suffix("ON CONFLICT DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert: %w", err)
	}

	var id int64
	if err := tx.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return false, persistErr("insert article", err)
		}
		// Conflict: either a concurrent insert of the same item or a slug clash.
		exists, err := s.existsTx(ctx, tx, a.DedupKey, a.OriginalURL)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
		return false, persistErr("insert article", fmt.Errorf("%w: %s", ErrSlugTaken, a.Slug))
	}

	statsQuery, statsArgs, err := s.db.Builder().
		Insert("daily_source_stats").
		Columns("source_id", "day", "stored").
		Values(a.SourceID, day, 1).
		Suffix("ON CONFLICT (source_id, day) DO UPDATE SET stored = daily_source_stats.stored + 1").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build stats upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, statsQuery, statsArgs...); err != nil {
		return false, persistErr("increment daily stats", err)
	}

	if err := tx.Commit(); err != nil {
		return false, persistErr("commit article", err)
	}

	a.ID = id
	return true, nil
}

func (s *ArticleStore) existsTx(ctx context.Context, tx *sqlx.Tx, dedupKey, url string) (bool, error) {
	query, args, err := s.db.Builder().
		Select("id").
		From("articles").
		Where(sq.Or{sq.Eq{"dedup_key": dedupKey}, sq.Eq{"original_url": url}}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build lookup query: %w", err)
	}

	var id int64
	if err := tx.GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, persistErr("lookup article", err)
	}
	return true, nil
}

// CountStoredToday returns how many articles the source stored on day (YYYY-MM-DD).
func (s *ArticleStore) CountStoredToday(ctx context.Context, sourceID, day string) (int, error) {
	query, args, err := s.db.Builder().
		Select("source_id", "day", "stored").
		From("daily_source_stats").
		Where(sq.Eq{"source_id": sourceID, "day": day}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var stat models.DailySourceStat
	if err := s.db.GetContext(ctx, &stat, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, persistErr("count stored today", err)
	}
	return stat.Stored, nil
}

// Location is the timezone used for day keys.
func (s *ArticleStore) Location() *time.Location {
	return s.loc
}

// FetchArticles retrieves articles created strictly after since, or after the
// (timestamp, id) cursor of a previous page, oldest first.
func (s *ArticleStore) FetchArticles(ctx context.Context, limit int, since *time.Time, cursorTimestamp *time.Time, cursorID *int64) ([]models.Article, error) {
	// We must order consistently for cursor pagination to work.
	q := s.db.Builder().
		Select(articleColumns...).
		From("articles").
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit))

	switch {
	case cursorTimestamp != nil && cursorID != nil:
		ts := cursorTimestamp.UTC()
		q = q.Where(sq.Or{
			sq.Gt{"created_at": ts},
			sq.And{sq.Eq{"created_at": ts}, sq.Gt{"id": *cursorID}},
		})
	case since != nil:
		q = q.Where(sq.Gt{"created_at": since.UTC()})
	default:
		return nil, fmt.Errorf("either 'since' or cursor parameters must be provided")
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	items := []models.Article{}
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	return items, nil
}
