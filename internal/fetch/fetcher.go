package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/models"
)

const (
	defaultUserAgent    = "ReddotIngestor/1.0"
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// Config configures the feed fetcher
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	Client       *http.Client // Optional, a client without timeout is created if nil
}

// Fetcher retrieves and parses one feed per call. It never retries.
type Fetcher struct {
	client       *http.Client
	userAgent    string
	timeout      time.Duration
	maxBodyBytes int64
	now          func() time.Time
}

// NewFetcher creates a new feed fetcher
func NewFetcher(cfg Config) *Fetcher {
	f := &Fetcher{
		client:       cfg.Client,
		userAgent:    cfg.UserAgent,
		timeout:      cfg.Timeout,
		maxBodyBytes: cfg.MaxBodyBytes,
		now:          time.Now,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if f.timeout <= 0 {
		f.timeout = defaultTimeout
	}
	if f.maxBodyBytes <= 0 {
		f.maxBodyBytes = defaultMaxBodyBytes
	}
	return f
}

// FetchFeed performs one bounded GET of the source's feed and returns at most
// maxItems parsed items. Any source-level failure is returned as *FetchError.
func (f *Fetcher) FetchFeed(ctx context.Context, src models.Source, maxItems int) ([]models.RawItem, error) {
	fail := func(status int, err error) error {
		return &FetchError{SourceID: src.ID, URL: src.FeedURL, StatusCode: status, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.FeedURL, nil)
	if err != nil {
		return nil, fail(0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")

	startTime := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fail(0, fmt.Errorf("timed out after %s: %w", f.timeout, err))
		}
		return nil, fail(0, fmt.Errorf("request feed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	doc, err := parseDocument(body)
	if err != nil {
		return nil, fail(resp.StatusCode, err)
	}

	items := doc.items(src.ID, maxItems, f.now().UTC())

	log.Debug().
		Str("source_id", src.ID).
		Str("url", src.FeedURL).
		Stringer("format", doc.kind).
		Int("items", len(items)).
		Dur("duration", time.Since(startTime)).
		Msg("Feed fetched")

	return items, nil
}
