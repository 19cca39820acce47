package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reddot-watch/ingestor/internal/database"
	"reddot-watch/ingestor/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(filepath.Join(t.TempDir(), "ingestor.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testCategories() *models.CategoryTable {
	return models.NewCategoryTable([]models.Category{
		{ID: "politics", Keywords: []string{"parliament"}},
		{ID: "general"},
	}, "general")
}

func newArticle(n int, createdAt time.Time) *models.Article {
	a := models.NewArticle()
	a.Slug = fmt.Sprintf("story-%d", n)
	a.Title = fmt.Sprintf("Story %d", n)
	a.SourceID = "herald"
	a.CategoryID = "politics"
	a.PublishedAt = createdAt.Add(-time.Hour)
	a.OriginalURL = fmt.Sprintf("https://herald.co.zw/story-%d", n)
	a.DedupKey = fmt.Sprintf("guid-%d", n)
	a.CreatedAt = createdAt
	return a
}

func TestStoreIfNew(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(newTestDB(t), time.UTC)
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	a := newArticle(1, now)
	a.SetImage("https://cdn.herald.co.zw/1.jpg")
	stored, err := store.StoreIfNew(ctx, a, testCategories(), "")
	require.NoError(t, err)
	assert.True(t, stored)
	assert.NotZero(t, a.ID)

	sameKey := newArticle(2, now)
	sameKey.DedupKey = a.DedupKey
	stored, err = store.StoreIfNew(ctx, sameKey, testCategories(), "")
	require.NoError(t, err)
	assert.False(t, stored, "same dedup key is a duplicate")

	sameURL := newArticle(3, now)
	sameURL.OriginalURL = a.OriginalURL
	stored, err = store.StoreIfNew(ctx, sameURL, testCategories(), "")
	require.NoError(t, err)
	assert.False(t, stored, "same url is a duplicate")

	count, err := store.CountStoredToday(ctx, "herald", "2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	found, err := store.FindByDedupKeyOrURL(ctx, "unrelated", a.OriginalURL)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)
	assert.Equal(t, "https://cdn.herald.co.zw/1.jpg", found.ImageURL.String)
	assert.WithinDuration(t, now, found.CreatedAt, time.Second)

	missing, err := store.FindByDedupKeyOrURL(ctx, "nope", "https://nope.example")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreIfNew_UnknownCategoryUsesCatchAll(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(newTestDB(t), time.UTC)

	a := newArticle(1, time.Now().UTC())
	a.CategoryID = "astrology"
	stored, err := store.StoreIfNew(ctx, a, testCategories(), "")
	require.NoError(t, err)
	require.True(t, stored)

	found, err := store.FindByDedupKeyOrURL(ctx, a.DedupKey, a.OriginalURL)
	require.NoError(t, err)
	assert.Equal(t, "general", found.CategoryID)
}

func TestStoreIfNew_SlugClash(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(newTestDB(t), time.UTC)

	_, err := store.StoreIfNew(ctx, newArticle(1, time.Now().UTC()), testCategories(), "")
	require.NoError(t, err)

	clash := newArticle(2, time.Now().UTC())
	clash.Slug = "story-1"
	stored, err := store.StoreIfNew(ctx, clash, testCategories(), "")
	assert.False(t, stored)

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrSlugTaken)
}

func TestStoreIfNew_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(newTestDB(t), time.UTC)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	var inserted atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := newArticle(1, now)
			a.Slug = fmt.Sprintf("story-1-%d", i)
			stored, err := store.StoreIfNew(ctx, a, testCategories(), "")
			assert.NoError(t, err)
			if stored {
				inserted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
	count, err := store.CountStoredToday(ctx, "herald", models.DayKey(now, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStoreIfNew_DayKeyUsesLocation(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(newTestDB(t), time.FixedZone("CAT", 2*60*60))

	// 23:30 UTC is already the next day in Harare (UTC+2).
	created := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)
	_, err := store.StoreIfNew(ctx, newArticle(1, created), testCategories(), "")
	require.NoError(t, err)

	count, err := store.CountStoredToday(ctx, "herald", "2024-06-02")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountStoredToday(ctx, "herald", "2024-06-01")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStoreIfNew_ExplicitDayWins(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(newTestDB(t), time.UTC)

	created := time.Date(2024, 6, 1, 23, 30, 0, 0, time.UTC)
	_, err := store.StoreIfNew(ctx, newArticle(1, created), testCategories(), "2024-06-02")
	require.NoError(t, err)

	count, err := store.CountStoredToday(ctx, "herald", "2024-06-02")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountStoredToday(ctx, "herald", "2024-06-01")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFetchArticles_Pagination(t *testing.T) {
	ctx := context.Background()
	store := NewArticleStore(newTestDB(t), time.UTC)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		_, err := store.StoreIfNew(ctx, newArticle(i, base.Add(time.Duration(i)*time.Minute)), testCategories(), "")
		require.NoError(t, err)
	}

	since := base
	page, err := store.FetchArticles(ctx, 2, &since, nil, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "Story 1", page[0].Title)
	assert.Equal(t, "Story 2", page[1].Title)

	last := page[1]
	ts := last.CreatedAt
	page, err = store.FetchArticles(ctx, 10, nil, &ts, &last.ID)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "Story 3", page[0].Title)

	_, err = store.FetchArticles(ctx, 10, nil, nil, nil)
	assert.Error(t, err)
}

func TestSourceRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSourceRepository(newTestDB(t))
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	src := models.Source{ID: "herald", Name: "The Herald", FeedURL: "https://herald.co.zw/feed", CategoryID: "general",
		Enabled: true, Priority: 5, BatchSize: 10, DailyQuota: 50}
	require.NoError(t, repo.Upsert(ctx, src))
	src.Name = "Herald"
	src.Enabled = false
	require.NoError(t, repo.Upsert(ctx, src))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Herald", list[0].Name)
	assert.False(t, list[0].Enabled)
	assert.Equal(t, 50, list[0].DailyQuota)

	st, err := repo.Status(ctx, "herald")
	require.NoError(t, err)
	assert.Zero(t, st.ErrorCount)
	assert.False(t, st.LastFetchedAt.Valid)

	require.NoError(t, repo.RecordFailure(ctx, "herald", "timeout", at))
	require.NoError(t, repo.RecordFailure(ctx, "herald", "status 500", at.Add(time.Minute)))
	require.NoError(t, repo.RecordSuccess(ctx, "herald", at.Add(2*time.Minute)))

	st, err = repo.Status(ctx, "herald")
	require.NoError(t, err)
	assert.Equal(t, 2, st.ErrorCount, "success does not reset the error count")
	assert.Equal(t, "status 500", st.LastError.String)
	require.True(t, st.LastFetchedAt.Valid)
	assert.WithinDuration(t, at.Add(2*time.Minute), st.LastFetchedAt.Time, time.Second)

	all, err := repo.Statuses(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "herald")
}

func TestStateRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewStateRepository(newTestDB(t))
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	_, ok, err := repo.LastSuccess(ctx, "refresh")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.RecordSuccess(ctx, "refresh", "completed", at))
	require.NoError(t, repo.RecordFailure(ctx, "refresh", "failed", "database locked", at.Add(time.Hour)))

	last, ok, err := repo.LastSuccess(ctx, "refresh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, at, last, time.Second, "failure leaves the last success untouched")

	st, err := repo.Get(ctx, "refresh")
	require.NoError(t, err)
	assert.Equal(t, "database locked", st.LastFailureReason.String)
	assert.Equal(t, "failed", st.LastOutcome.String)
}
