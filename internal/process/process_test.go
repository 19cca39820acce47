package process

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reddot-watch/ingestor/internal/database"
	"reddot-watch/ingestor/internal/models"
	"reddot-watch/ingestor/internal/storage"
)

type fakeFetcher struct {
	mu       sync.Mutex
	feeds    map[string][]models.RawItem
	errs     map[string]error
	panics   map[string]bool
	overfill bool // ignore maxItems
	calls    map[string]int
	limits   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		feeds:  map[string][]models.RawItem{},
		errs:   map[string]error{},
		panics: map[string]bool{},
		calls:  map[string]int{},
		limits: map[string]int{},
	}
}

func (f *fakeFetcher) FetchFeed(_ context.Context, src models.Source, maxItems int) ([]models.RawItem, error) {
	f.mu.Lock()
	f.calls[src.ID]++
	f.limits[src.ID] = maxItems
	items, err, panics := f.feeds[src.ID], f.errs[src.ID], f.panics[src.ID]
	f.mu.Unlock()

	if panics {
		panic("parser exploded")
	}
	if err != nil {
		return nil, err
	}
	if !f.overfill && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

func (f *fakeFetcher) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeFetcher) Limit(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limits[id]
}

type stubImages struct{ url string }

func (s stubImages) Extract(context.Context, models.RawItem, string) string { return s.url }

func rawItems(prefix string, n int) []models.RawItem {
	items := make([]models.RawItem, n)
	for i := range items {
		items[i] = models.RawItem{
			Title:       fmt.Sprintf("%s story %d", prefix, i),
			Link:        fmt.Sprintf("https://%s.example.com/story-%d", prefix, i),
			Description: "Parliament sat in Harare",
			PublishedAt: time.Now().Add(-time.Hour),
		}
	}
	return items
}

type fixture struct {
	store    *storage.ArticleStore
	sources  *storage.SourceRepository
	fetcher  *fakeFetcher
	category *models.CategoryTable
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(filepath.Join(t.TempDir(), "process.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{
		store:   storage.NewArticleStore(db, time.UTC),
		sources: storage.NewSourceRepository(db),
		fetcher: newFakeFetcher(),
		category: models.NewCategoryTable([]models.Category{
			{ID: "politics", Keywords: []string{"parliament", "harare"}},
			{ID: "general"},
		}, "general"),
	}
}

func (f *fixture) processor(t *testing.T, images ImageExtractor) *SourceProcessor {
	t.Helper()
	p, err := NewSourceProcessor(Deps{
		Fetcher:    f.fetcher,
		Images:     images,
		Store:      f.store,
		Status:     f.sources,
		Categories: f.category,
	}, Options{WorkerCount: 2, SourceTimeout: 5 * time.Second, Location: time.UTC})
	require.NoError(t, err)
	return p
}

// seed stores n articles for sourceID created at createdAt.
func (f *fixture) seed(t *testing.T, sourceID string, n int, createdAt time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		a := models.NewArticle()
		a.Slug = fmt.Sprintf("%s-seed-%d-%d", sourceID, createdAt.Unix(), i)
		a.Title = "seed"
		a.SourceID = sourceID
		a.CategoryID = "general"
		a.PublishedAt = createdAt
		a.OriginalURL = fmt.Sprintf("https://seed.example.com/%s/%d/%d", sourceID, createdAt.Unix(), i)
		a.DedupKey = a.OriginalURL
		a.CreatedAt = createdAt
		ok, err := f.store.StoreIfNew(context.Background(), a, f.category, "")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func (f *fixture) storedToday(t *testing.T, sourceID string) int {
	t.Helper()
	n, err := f.store.CountStoredToday(context.Background(), sourceID, models.DayKey(time.Now(), time.UTC))
	require.NoError(t, err)
	return n
}

func TestAllowance(t *testing.T) {
	tests := []struct {
		name   string
		src    models.Source
		stored int
		want   int
		skip   bool
	}{
		{"batch below remaining", models.Source{BatchSize: 20, DailyQuota: 100}, 10, 20, false},
		{"remaining below batch", models.Source{BatchSize: 20, DailyQuota: 100}, 95, 5, false},
		{"quota exhausted", models.Source{BatchSize: 20, DailyQuota: 100}, 100, 0, true},
		{"over quota", models.Source{BatchSize: 20, DailyQuota: 10}, 12, 0, true},
		{"no batch size", models.Source{DailyQuota: 50}, 0, 50, false},
		{"no quota", models.Source{BatchSize: 15}, 1000, 15, false},
		{"nothing configured", models.Source{}, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, skip := Allowance(tt.src, tt.stored)
			assert.Equal(t, tt.want, n)
			assert.Equal(t, tt.skip, skip)
		})
	}
}

func TestSortByPriority(t *testing.T) {
	in := []models.Source{
		{ID: "low", Priority: 1},
		{ID: "high", Priority: 9},
		{ID: "mid-a", Priority: 5},
		{ID: "mid-b", Priority: 5},
	}
	out := SortByPriority(in)

	ids := make([]string, len(out))
	for i, s := range out {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, ids)
	assert.Equal(t, "low", in[0].ID, "input is not reordered")
}

func TestProcessSources_QuotaExhaustedSourceIsNotFetched(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", 100, time.Now().UTC())
	f.fetcher.feeds["a"] = rawItems("a", 10)
	f.fetcher.feeds["b"] = rawItems("b", 60)

	sources := []models.Source{
		{ID: "a", FeedURL: "https://a.example.com/feed", BatchSize: 100, DailyQuota: 100, Priority: 2},
		{ID: "b", FeedURL: "https://b.example.com/feed", BatchSize: 100, DailyQuota: 50, Priority: 1},
	}

	stats, err := f.processor(t, nil).ProcessSources(context.Background(), sources)
	require.NoError(t, err)

	assert.Equal(t, 0, f.fetcher.Calls("a"))
	assert.Equal(t, 1, f.fetcher.Calls("b"))
	assert.Equal(t, 50, f.fetcher.Limit("b"))
	assert.Equal(t, 100, f.storedToday(t, "a"))
	assert.Equal(t, 50, f.storedToday(t, "b"))

	assert.Equal(t, int64(2), stats.Sources)
	assert.Equal(t, int64(1), stats.SkippedQuota)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(50), stats.Stored)
}

func TestProcessSources_SameURLFromTwoSourcesStoredOnce(t *testing.T) {
	f := newFixture(t)
	shared := rawItems("shared", 1)
	f.fetcher.feeds["a"] = shared
	f.fetcher.feeds["b"] = shared

	sources := []models.Source{
		{ID: "a", BatchSize: 10, DailyQuota: 10},
		{ID: "b", BatchSize: 10, DailyQuota: 10},
	}

	stats, err := f.processor(t, nil).ProcessSources(context.Background(), sources)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Stored)
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, 1, f.storedToday(t, "a")+f.storedToday(t, "b"))

	existing, err := f.store.FindByDedupKeyOrURL(context.Background(), shared[0].Link, shared[0].Link)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "politics", existing.CategoryID)
}

func TestProcessSources_StopsAtAllowance(t *testing.T) {
	f := newFixture(t)
	f.fetcher.overfill = true
	f.fetcher.feeds["a"] = rawItems("a", 10)
	f.seed(t, "a", 7, time.Now().UTC())

	_, err := f.processor(t, nil).ProcessSources(context.Background(), []models.Source{
		{ID: "a", BatchSize: 5, DailyQuota: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, f.fetcher.Limit("a"))
	assert.Equal(t, 10, f.storedToday(t, "a"), "quota is never exceeded")
}

func TestProcessSources_SkipsExistingArticles(t *testing.T) {
	f := newFixture(t)
	items := rawItems("a", 5)
	f.fetcher.feeds["a"] = items

	_, err := f.processor(t, nil).ProcessSources(context.Background(), []models.Source{{ID: "a", BatchSize: 3, DailyQuota: 100}})
	require.NoError(t, err)
	assert.Equal(t, 3, f.storedToday(t, "a"))

	stats, err := f.processor(t, nil).ProcessSources(context.Background(), []models.Source{{ID: "a", BatchSize: 5, DailyQuota: 100}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Duplicates)
	assert.Equal(t, int64(2), stats.Stored)
	assert.Equal(t, 5, f.storedToday(t, "a"))
}

func TestProcessSources_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.errs["broken"] = errors.New("feed returned status 502")
	f.fetcher.panics["panicky"] = true
	f.fetcher.feeds["good"] = rawItems("good", 4)

	sources := []models.Source{
		{ID: "broken", BatchSize: 10, DailyQuota: 10, Priority: 3},
		{ID: "panicky", BatchSize: 10, DailyQuota: 10, Priority: 2},
		{ID: "good", BatchSize: 10, DailyQuota: 10, Priority: 1},
	}

	stats, err := f.processor(t, stubImages{url: "https://cdn.example.com/lead.jpg"}).ProcessSources(ctx, sources)
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, 4, f.storedToday(t, "good"))

	broken, err := f.sources.Status(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, 1, broken.ErrorCount)
	assert.Contains(t, broken.LastError.String, "502")
	assert.False(t, broken.LastFetchedAt.Valid)

	panicky, err := f.sources.Status(ctx, "panicky")
	require.NoError(t, err)
	assert.Equal(t, 1, panicky.ErrorCount)
	assert.Contains(t, panicky.LastError.String, "panic")

	good, err := f.sources.Status(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, 0, good.ErrorCount)
	assert.True(t, good.LastFetchedAt.Valid)

	stored, err := f.store.FindByDedupKeyOrURL(ctx, "", "https://good.example.com/story-0")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "https://cdn.example.com/lead.jpg", stored.ImageURL.String)
}

func TestProcessSources_QuotaResetsOnNewDay(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", 10, time.Now().UTC().Add(-24*time.Hour))
	f.fetcher.feeds["a"] = rawItems("a", 10)

	stats, err := f.processor(t, nil).ProcessSources(context.Background(), []models.Source{
		{ID: "a", BatchSize: 4, DailyQuota: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), stats.SkippedQuota)
	assert.Equal(t, 4, f.storedToday(t, "a"))
}

func TestProcessSources_QuotaDayFollowsProcessorLocation(t *testing.T) {
	f := newFixture(t)
	f.fetcher.feeds["a"] = rawItems("a", 5)
	sources := []models.Source{{ID: "a", BatchSize: 10, DailyQuota: 3}}

	// The store counts in UTC; the processor runs 14 hours ahead, a day later.
	run := func() Stats {
		p, err := NewSourceProcessor(Deps{
			Fetcher:    f.fetcher,
			Store:      f.store,
			Status:     f.sources,
			Categories: f.category,
		}, Options{WorkerCount: 1, SourceTimeout: 5 * time.Second, Location: time.FixedZone("LINT", 14*60*60)})
		require.NoError(t, err)
		p.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

		stats, err := p.ProcessSources(context.Background(), sources)
		require.NoError(t, err)
		return stats
	}

	stats := run()
	assert.Equal(t, int64(3), stats.Stored)

	count, err := f.store.CountStoredToday(context.Background(), "a", "2024-06-02")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	f.fetcher.feeds["a"] = rawItems("a-later", 5)
	stats = run()
	assert.Equal(t, int64(1), stats.SkippedQuota)
	assert.Zero(t, stats.Stored)
	assert.Equal(t, 1, f.fetcher.Calls("a"), "exhausted quota is read from the same day it was counted on")
}

func TestProcessSources_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.fetcher.feeds["a"] = rawItems("a", 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.processor(t, nil).ProcessSources(ctx, []models.Source{{ID: "a", BatchSize: 2, DailyQuota: 2}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSourceProcessor_RequiresDependencies(t *testing.T) {
	_, err := NewSourceProcessor(Deps{}, Options{})
	assert.Error(t, err)
}
