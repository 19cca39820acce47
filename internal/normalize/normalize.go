package normalize

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"reddot-watch/ingestor/internal/models"
)

const (
	maxSlugBase  = 80
	slugSuffix   = 8
	fallbackSlug = "article"
)

var (
	ErrEmptyTitle = errors.New("title is empty after normalization")
	ErrBadLink    = errors.New("link is not an absolute http(s) url")
)

// Normalizer turns raw feed items into unsaved articles.
type Normalizer struct {
	categories *models.CategoryTable
	classifier *Classifier
	now        func() time.Time
	suffix     func() string
}

// NewNormalizer creates a normalizer classifying against categories.
func NewNormalizer(categories *models.CategoryTable) *Normalizer {
	c := NewClassifier(categories)
	return &Normalizer{
		categories: c.table,
		classifier: c,
		now:        time.Now,
		suffix:     randomSuffix,
	}
}

// Normalize cleans the item's text fields, classifies it and derives its slug
// and dedup key. The returned article has no image and no id yet.
func (n *Normalizer) Normalize(raw models.RawItem, src models.Source) (*models.Article, error) {
	link, err := canonicalLink(raw.Link)
	if err != nil {
		return nil, err
	}

	title := Truncate(StripMarkup(raw.Title), MaxTitleLength)
	if title == "" {
		return nil, ErrEmptyTitle
	}

	description := raw.Description
	if strings.TrimSpace(StripMarkup(description)) == "" {
		description = raw.Content
	}
	description = Truncate(StripMarkup(description), MaxDescriptionLength)

	article := models.NewArticle()
	article.CreatedAt = n.now().UTC()
	article.Title = title
	article.Description = description
	article.Author = Truncate(StripMarkup(raw.Author), MaxAuthorLength)
	article.SourceID = src.ID
	article.CategoryID = n.category(title, description, src)
	article.PublishedAt = raw.PublishedAt.UTC()
	article.OriginalURL = link
	article.DedupKey = raw.DedupKey()
	if raw.GUID == "" {
		article.DedupKey = link
	}
	article.Slug = Slug(title, n.suffix())

	return article, nil
}

// category prefers the classifier; the source's own category only replaces the catch-all.
func (n *Normalizer) category(title, description string, src models.Source) string {
	id := n.classifier.Classify(title, description)
	if id != n.categories.DefaultID {
		return id
	}
	if src.CategoryID != "" && src.CategoryID != n.categories.DefaultID && n.categories.Has(src.CategoryID) {
		return src.CategoryID
	}
	return id
}

func canonicalLink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadLink, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrBadLink, raw)
	}
	return u.String(), nil
}

// Slug builds a url-safe identifier from title: lower-case ASCII letters and
// digits joined by single hyphens, bounded in length, plus '-' and suffix.
func Slug(title, suffix string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
		if b.Len() >= maxSlugBase {
			break
		}
	}

	base := b.String()
	if len(base) > maxSlugBase {
		base = base[:maxSlugBase]
	}
	base = strings.Trim(base, "-")
	if base == "" {
		base = fallbackSlug
	}
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:slugSuffix]
}
