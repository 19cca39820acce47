// Package client talks to a running ingestor server over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/refresh"
	"reddot-watch/ingestor/internal/server/api"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxRetries            = 3
	initialBackoff        = 500 * time.Millisecond
	maxBackoff            = 5 * time.Second
	backoffFactor         = 2.0
)

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned non-200 status: %d - Body: %s", e.StatusCode, e.Body)
}

// Config for creating a new Client
type Config struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	InitialBackoff time.Duration // 0 means the package default
}

// Client is a typed client for the /v1 API.
type Client struct {
	baseURL        *url.URL
	apiKey         string
	http           *http.Client
	requestTimeout time.Duration
	initialBackoff time.Duration
}

// New creates a new API client
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base API URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base API URL %q: scheme must be http or https", cfg.BaseURL)
	}

	c := &Client{
		baseURL:        base,
		apiKey:         cfg.APIKey,
		http:           cfg.HTTPClient,
		requestTimeout: cfg.RequestTimeout,
		initialBackoff: cfg.InitialBackoff,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = initialBackoff
	}
	return c, nil
}

// ListArticles fetches one page. A non-empty cursor takes precedence over since.
func (c *Client) ListArticles(ctx context.Context, since time.Time, cursor string, limit int) (*api.ArticlesResponse, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	} else if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	} else {
		return nil, fmt.Errorf("either since or cursor is required")
	}

	var page api.ArticlesResponse
	err := c.retryWithBackoff(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/v1/articles", query, &page)
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// EachArticle walks every page since the given time, calling fn per article.
// It returns the newest created_at seen, or since when nothing was returned.
func (c *Client) EachArticle(ctx context.Context, since time.Time, limit int, fn func(api.Article) error) (time.Time, error) {
	newest := since
	cursor := ""
	for {
		page, err := c.ListArticles(ctx, since, cursor, limit)
		if err != nil {
			return newest, fmt.Errorf("failed to fetch articles: %w", err)
		}

		for _, a := range page.Items {
			if err := fn(a); err != nil {
				return newest, err
			}
			if a.CreatedAt.After(newest) {
				newest = a.CreatedAt
			}
		}

		if page.NextCursor == nil || *page.NextCursor == "" || len(page.Items) == 0 {
			return newest, nil
		}
		cursor = *page.NextCursor
	}
}

// Refresh asks the server to trigger a cycle. Triggers are not retried: a
// failed cycle is reported through the returned Result.
func (c *Client) Refresh(ctx context.Context, force bool) (*refresh.Result, error) {
	query := url.Values{}
	if force {
		query.Set("force", "true")
	}

	var result refresh.Result
	err := c.do(ctx, http.MethodPost, "/v1/refresh", query, &result)

	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusInternalServerError {
		if jsonErr := json.Unmarshal([]byte(statusErr.Body), &result); jsonErr == nil && result.Outcome != "" {
			return &result, fmt.Errorf("refresh failed: %s", result.FailureReason)
		}
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns the last run and lock state.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var status api.StatusResponse
	err := c.retryWithBackoff(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/v1/status", nil, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	endpoint := c.baseURL.JoinPath(path)
	endpoint.RawQuery = query.Encode()

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return nil
}

// retryWithBackoff executes fn with exponential backoff on transient failures
func (c *Client) retryWithBackoff(ctx context.Context, fn func() error) error {
	var err error
	backoff := c.initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == maxRetries || !isRetriableError(err) {
			break
		}

		delay := time.Duration(float64(backoff) * (1.0 + 0.2*rand.Float64()))
		log.Debug().
			Err(err).
			Dur("retry_in", delay.Round(time.Millisecond)).
			Int("attempt", attempt+1).
			Msg("Transient API error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return err
}

// isRetriableError determines if an error should be retried
func isRetriableError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
