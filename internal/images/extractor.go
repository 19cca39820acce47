package images

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/models"
)

const (
	defaultCheckTimeout = 5 * time.Second
	defaultOGTimeout    = 8 * time.Second
	defaultOGMaxAge     = 7 * 24 * time.Hour
	maxPageBytes        = 2 << 20
)

// Config configures the image extractor
type Config struct {
	Client       *http.Client
	UserAgent    string
	CheckTimeout time.Duration // Per HEAD request
	OGTimeout    time.Duration // Article page fetch for og:image
	OGMaxAge     time.Duration // Items older than this never trigger a page fetch
	Optimizer    Optimizer     // Optional
}

// Extractor picks and validates one representative image per item.
// It never returns an error; "no image" is the empty string.
type Extractor struct {
	client       *http.Client
	userAgent    string
	checkTimeout time.Duration
	ogTimeout    time.Duration
	ogMaxAge     time.Duration
	optimizer    Optimizer
	now          func() time.Time
}

// NewExtractor creates a new image extractor
func NewExtractor(cfg Config) *Extractor {
	e := &Extractor{
		client:       cfg.Client,
		userAgent:    cfg.UserAgent,
		checkTimeout: cfg.CheckTimeout,
		ogTimeout:    cfg.OGTimeout,
		ogMaxAge:     cfg.OGMaxAge,
		optimizer:    cfg.Optimizer,
		now:          time.Now,
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.checkTimeout <= 0 {
		e.checkTimeout = defaultCheckTimeout
	}
	if e.ogTimeout <= 0 {
		e.ogTimeout = defaultOGTimeout
	}
	if e.ogMaxAge <= 0 {
		e.ogMaxAge = defaultOGMaxAge
	}
	return e
}

// Extract returns the first valid absolute image url for raw, or "".
//
// Candidates are tried in order: feed media urls, the first <img> of the item
// content, the first <img> of the description. Only when none of those exist
// and the item is recent is the article page fetched for its og:image.
func (e *Extractor) Extract(ctx context.Context, raw models.RawItem, articleLink string) string {
	candidates := e.Candidates(raw, articleLink)

	if len(candidates) == 0 && e.recent(raw.PublishedAt) {
		if og := e.pageImage(ctx, articleLink); og != "" {
			candidates = append(candidates, og)
		}
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return ""
		}
		if e.Validate(ctx, c) {
			return e.optimize(ctx, c)
		}
		log.Debug().Str("image_url", c).Str("url", articleLink).Msg("Image candidate rejected")
	}
	return ""
}

// Candidates lists the resolved, de-duplicated image urls found in the item itself.
func (e *Extractor) Candidates(raw models.RawItem, articleLink string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		abs, ok := ResolveURL(c, articleLink)
		if !ok || seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, abs)
	}

	for _, m := range raw.MediaURLs {
		add(m)
	}
	if src := firstImgSrc(raw.Content); src != "" {
		add(src)
	}
	if src := firstImgSrc(raw.Description); src != "" {
		add(src)
	}
	return out
}

// Validate reports whether u serves an image. Origins that refuse HEAD
// (403, 405, 501) or cannot be reached fall back to a url heuristic.
func (e *Extractor) Validate(ctx context.Context, u string) bool {
	ctx, cancel := context.WithTimeout(ctx, e.checkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return false
	}
	e.setHeaders(req)

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Debug().Str("image_url", u).Msg("Image check timed out, using heuristic")
		}
		return LooksLikeImage(u)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return isImageContentType(resp.Header.Get("Content-Type"))
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusMethodNotAllowed,
		resp.StatusCode == http.StatusNotImplemented:
		return LooksLikeImage(u)
	default:
		return false
	}
}

func isImageContentType(ct string) bool {
	if strings.TrimSpace(ct) == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "image/")
	}
	return strings.HasPrefix(mt, "image/")
}

func (e *Extractor) recent(published time.Time) bool {
	if published.IsZero() {
		return true
	}
	return e.now().Sub(published) <= e.ogMaxAge
}

// pageImage fetches the article page and returns its resolved og:image, or "".
func (e *Extractor) pageImage(ctx context.Context, articleLink string) string {
	if articleLink == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, e.ogTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleLink, nil)
	if err != nil {
		return ""
	}
	e.setHeaders(req)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("url", articleLink).Msg("Article page fetch failed")
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Debug().Int("status", resp.StatusCode).Str("url", articleLink).Msg("Article page fetch failed")
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return ""
	}

	abs, ok := ResolveURL(metaImage(doc), articleLink)
	if !ok {
		return ""
	}
	return abs
}

func (e *Extractor) optimize(ctx context.Context, u string) string {
	if e.optimizer == nil {
		return u
	}
	optimized, err := e.optimizer.Optimize(ctx, u)
	if err != nil || optimized == "" {
		log.Debug().Err(err).Str("image_url", u).Msg("Image optimization failed, keeping original")
		return u
	}
	return optimized
}

func (e *Extractor) setHeaders(req *http.Request) {
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
}
