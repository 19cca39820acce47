package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"reddot-watch/ingestor/internal/models"
	"reddot-watch/ingestor/internal/server/pagination"
	"reddot-watch/ingestor/internal/storage"
)

const defaultLimit = 100
const maxLimit = 1000
const iso8601Format = time.RFC3339

// Article is the API representation of a stored article.
type Article struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Author      string    `json:"author,omitempty"`
	SourceID    string    `json:"source_id"`
	CategoryID  string    `json:"category_id"`
	PublishedAt time.Time `json:"published_at"`
	ImageURL    *string   `json:"image_url"`
	OriginalURL string    `json:"original_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArticlesResponse is the body of GET /v1/articles.
type ArticlesResponse struct {
	Items      []Article `json:"items"`
	NextCursor *string   `json:"next_cursor,omitempty"`
}

func newArticle(a models.Article) Article {
	out := Article{
		ID:          a.ID,
		Slug:        a.Slug,
		Title:       a.Title,
		Description: a.Description,
		Author:      a.Author,
		SourceID:    a.SourceID,
		CategoryID:  a.CategoryID,
		PublishedAt: a.PublishedAt.UTC(),
		OriginalURL: a.OriginalURL,
		CreatedAt:   a.CreatedAt.UTC(),
	}
	if a.ImageURL.Valid {
		u := a.ImageURL.String
		out.ImageURL = &u
	}
	return out
}

// ArticlesHandler serves the append-only article stream to downstream consumers.
type ArticlesHandler struct {
	repo storage.ArticleRepository
}

// NewArticlesHandler creates a new handler instance.
func NewArticlesHandler(repo storage.ArticleRepository) *ArticlesHandler {
	return &ArticlesHandler{repo: repo}
}

// GetArticles lists articles created after 'since', or after a previous page's 'cursor'.
func (h *ArticlesHandler) GetArticles(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	query := r.URL.Query()
	limitStr := query.Get("limit")
	sinceStr := query.Get("since")
	cursorStr := query.Get("cursor")

	limit := defaultLimit
	if limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 || parsed > maxLimit {
			log.Warn().Err(err).Str("limit", limitStr).Msg("Invalid 'limit' parameter value")
			http.Error(w, fmt.Sprintf("Invalid 'limit' parameter: must be between 1 and %d", maxLimit), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	var since, cursorTimestamp *time.Time
	var cursorID *int64

	switch {
	case cursorStr != "":
		c, err := pagination.DecodeCursor(cursorStr)
		if err != nil {
			log.Warn().Err(err).Str("cursor", cursorStr).Msg("Invalid 'cursor' parameter")
			http.Error(w, "Invalid 'cursor' parameter", http.StatusBadRequest)
			return
		}
		cursorTimestamp = &c.CreatedAt
		cursorID = &c.ID
	case sinceStr != "":
		parsed, err := time.Parse(iso8601Format, sinceStr)
		if err != nil {
			log.Warn().Err(err).Str("since", sinceStr).Msg("Invalid 'since' parameter format")
			http.Error(w, "Invalid 'since' parameter: use RFC3339 format (e.g., 2025-03-28T15:00:00Z)", http.StatusBadRequest)
			return
		}
		utc := parsed.UTC()
		since = &utc
	default:
		http.Error(w, "Missing required parameter: 'since' or 'cursor'", http.StatusBadRequest)
		return
	}

	items, err := h.repo.FetchArticles(r.Context(), limit+1, since, cursorTimestamp, cursorID) // one extra to detect a next page
	if err != nil {
		log.Error().Err(err).Str("cursor", cursorStr).Str("since", sinceStr).Msg("Error fetching articles from repository")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := ArticlesResponse{Items: make([]Article, 0, len(items))}
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next := pagination.EncodeCursor(last.CreatedAt, last.ID)
		resp.NextCursor = &next
	}
	for _, a := range items {
		resp.Items = append(resp.Items, newArticle(a))
	}

	writeJSON(w, r, http.StatusOK, resp)
}
