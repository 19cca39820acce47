package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reddot-watch/ingestor/internal/config"
	"reddot-watch/ingestor/internal/database"
	"reddot-watch/ingestor/internal/lock"
	"reddot-watch/ingestor/internal/models"
	"reddot-watch/ingestor/internal/refresh"
	"reddot-watch/ingestor/internal/server/api"
	"reddot-watch/ingestor/internal/storage"
)

type fakeTriggerer struct {
	result *refresh.Result
	err    error
	opts   []refresh.TriggerOptions
}

func (f *fakeTriggerer) Trigger(_ context.Context, opts refresh.TriggerOptions) (*refresh.Result, error) {
	f.opts = append(f.opts, opts)
	return f.result, f.err
}

type testServer struct {
	db       *database.DB
	articles *storage.ArticleStore
	sources  *storage.SourceRepository
	state    *storage.StateRepository
	locks    *lock.SQLStore
	trigger  *fakeTriggerer
	handler  http.Handler
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(filepath.Join(t.TempDir(), "server.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ts := &testServer{
		db:       db,
		articles: storage.NewArticleStore(db, time.UTC),
		sources:  storage.NewSourceRepository(db),
		state:    storage.NewStateRepository(db),
		locks:    lock.NewSQLStore(db, "refresh"),
		trigger:  &fakeTriggerer{result: &refresh.Result{Outcome: refresh.OutcomeCompleted}},
	}
	ts.handler = NewHandler(Deps{
		LockName:    "refresh",
		DB:          db,
		Articles:    ts.articles,
		Coordinator: ts.trigger,
		State:       ts.state,
		Locks:       ts.locks,
		Sources:     CatalogSources{Loader: config.NewCatalogLoader("", ""), Repo: ts.sources},
	}, apiKey, zerolog.Nop())
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seedArticles(t *testing.T, base time.Time, n int) {
	t.Helper()
	categories := models.NewCategoryTable(nil, "general")
	for i := 0; i < n; i++ {
		a := models.NewArticle()
		a.Slug = fmt.Sprintf("story-%d", i)
		a.Title = fmt.Sprintf("Story %d", i)
		a.SourceID = "herald"
		a.CategoryID = "general"
		a.PublishedAt = base
		a.OriginalURL = fmt.Sprintf("https://herald.co.zw/story-%d", i)
		a.DedupKey = a.OriginalURL
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i == 0 {
			a.SetImage("https://cdn.herald.co.zw/0.jpg")
		}
		ok, err := ts.articles.StoreIfNew(context.Background(), a, categories, "")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestGetArticles_Pagination(t *testing.T) {
	ts := newTestServer(t, "")
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	ts.seedArticles(t, base, 3)

	rec := ts.do(t, http.MethodGet, "/v1/articles?limit=2&since="+base.Add(-time.Second).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var page api.ArticlesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "story-0", page.Items[0].Slug)
	require.NotNil(t, page.Items[0].ImageURL)
	assert.Equal(t, "https://cdn.herald.co.zw/0.jpg", *page.Items[0].ImageURL)
	assert.Nil(t, page.Items[1].ImageURL)

	rec = ts.do(t, http.MethodGet, "/v1/articles?limit=2&cursor="+*page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var next api.ArticlesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	require.Len(t, next.Items, 1)
	assert.Equal(t, "story-2", next.Items[0].Slug)
	assert.Nil(t, next.NextCursor)
}

func TestGetArticles_BadRequests(t *testing.T) {
	ts := newTestServer(t, "")

	for _, target := range []string{
		"/v1/articles",
		"/v1/articles?since=yesterday",
		"/v1/articles?cursor=garbage",
		"/v1/articles?since=2024-06-01T00:00:00Z&limit=0",
		"/v1/articles?since=2024-06-01T00:00:00Z&limit=5000",
	} {
		rec := ts.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestPostRefresh(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/v1/refresh?force=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res refresh.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, refresh.OutcomeCompleted, res.Outcome)
	require.Len(t, ts.trigger.opts, 1)
	assert.True(t, ts.trigger.opts[0].Force)

	rec = ts.do(t, http.MethodPost, "/v1/refresh?force=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/refresh", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPostRefresh_Failure(t *testing.T) {
	ts := newTestServer(t, "")
	ts.trigger.result = &refresh.Result{Outcome: refresh.OutcomeFailed, FailureReason: "lock store down"}
	ts.trigger.err = errors.New("lock store down")

	rec := ts.do(t, http.MethodPost, "/v1/refresh", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var res refresh.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "lock store down", res.FailureReason)
	assert.False(t, ts.trigger.opts[0].Force)
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty api.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	assert.Nil(t, empty.LastSuccessAt)
	assert.Nil(t, empty.Lock)

	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, ts.state.RecordSuccess(ctx, "refresh", refresh.OutcomeCompleted, at))
	_, ok, err := ts.locks.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec = ts.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st api.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, refresh.OutcomeCompleted, st.LastOutcome)
	require.NotNil(t, st.LastSuccessAt)
	assert.True(t, st.LastSuccessAt.Equal(at))
	require.NotNil(t, st.Lock)
	assert.False(t, st.Lock.Expired)
}

func TestExportSources(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, "")

	require.NoError(t, ts.sources.Upsert(ctx, models.Source{
		ID: "herald", Name: "The Herald (imported)", FeedURL: "https://www.herald.co.zw/rss", CategoryID: "politics",
		Enabled: true, Priority: 12, BatchSize: 10, DailyQuota: 40,
	}))
	require.NoError(t, ts.sources.RecordFailure(ctx, "herald", "status 503", time.Now()))

	rec := ts.do(t, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Greater(t, len(records), 1)
	assert.Equal(t, "id", records[0][0])

	var herald []string
	for _, r := range records[1:] {
		if r[0] == "herald" {
			herald = r
		}
	}
	require.NotNil(t, herald)
	assert.Equal(t, "The Herald (imported)", herald[1])
	assert.Equal(t, "12", herald[5])
	assert.Equal(t, "40", herald[7])
	assert.Equal(t, "1", herald[8])
	assert.Equal(t, "status 503", herald[9])
}

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"wrong"}}).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"secret"}}).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code, "health stays open")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	require.NoError(t, ts.db.Close())
	rec = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
