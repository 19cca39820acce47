package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/mmcdole/gofeed/rss"
	"github.com/rs/zerolog/log"

	"reddot-watch/ingestor/internal/models"
)

var errUnknownDocument = errors.New("document is neither RSS nor Atom")

type documentKind int

const (
	kindRSS documentKind = iota + 1
	kindAtom
)

func (k documentKind) String() string {
	switch k {
	case kindRSS:
		return "rss"
	case kindAtom:
		return "atom"
	default:
		return "unknown"
	}
}

// document is the parse result: exactly one of rss or atom is set, matching kind.
type document struct {
	kind documentKind
	rss  *rss.Feed
	atom *atom.Feed
}

// parseDocument resolves the feed format once and parses with the matching parser.
func parseDocument(body []byte) (*document, error) {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS:
		feed, err := (&rss.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("malformed rss document: %w", err)
		}
		return &document{kind: kindRSS, rss: feed}, nil
	case gofeed.FeedTypeAtom:
		feed, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("malformed atom document: %w", err)
		}
		return &document{kind: kindAtom, atom: feed}, nil
	default:
		return nil, errUnknownDocument
	}
}

// items converts the document into the normalized item shape, dropping entries
// without a title or link. At most maxItems items are returned.
func (d *document) items(sourceID string, maxItems int, now time.Time) []models.RawItem {
	var out []models.RawItem
	add := func(idx int, item models.RawItem) bool {
		if reason := missingField(item); reason != "" {
			err := &ItemParseError{SourceID: sourceID, Index: idx, Reason: reason}
			log.Debug().Err(err).Str("source_id", sourceID).Msg("Dropping feed item")
			return true
		}
		out = append(out, item)
		return maxItems <= 0 || len(out) < maxItems
	}

	switch d.kind {
	case kindRSS:
		for i, it := range d.rss.Items {
			if it == nil {
				continue
			}
			if !add(i, rssItem(it, now)) {
				break
			}
		}
	case kindAtom:
		for i, e := range d.atom.Entries {
			if e == nil {
				continue
			}
			if !add(i, atomEntry(e, now)) {
				break
			}
		}
	}
	return out
}

func missingField(item models.RawItem) string {
	switch {
	case strings.TrimSpace(item.Title) == "":
		return "missing title"
	case strings.TrimSpace(item.Link) == "":
		return "missing link"
	default:
		return ""
	}
}

func rssItem(it *rss.Item, now time.Time) models.RawItem {
	item := models.RawItem{
		Title:       strings.TrimSpace(it.Title),
		Link:        strings.TrimSpace(it.Link),
		Description: it.Description,
		Content:     it.Content,
		Author:      strings.TrimSpace(it.Author),
		PublishedAt: parsedOrNow(it.PubDateParsed, now),
	}
	if it.GUID != nil {
		item.GUID = strings.TrimSpace(it.GUID.Value)
	}
	if item.Author == "" && it.DublinCoreExt != nil && len(it.DublinCoreExt.Creator) > 0 {
		item.Author = strings.TrimSpace(it.DublinCoreExt.Creator[0])
	}
	if item.Link == "" && it.GUID != nil && strings.EqualFold(it.GUID.IsPermalink, "true") {
		item.Link = item.GUID
	}

	if enc := it.Enclosure; enc != nil && isImageEnclosure(enc.Type, enc.URL) {
		item.MediaURLs = append(item.MediaURLs, strings.TrimSpace(enc.URL))
	}
	item.MediaURLs = append(item.MediaURLs, mediaURLs(it.Extensions)...)
	return item
}

func atomEntry(e *atom.Entry, now time.Time) models.RawItem {
	item := models.RawItem{
		GUID:        strings.TrimSpace(e.ID),
		Title:       strings.TrimSpace(e.Title),
		Description: e.Summary,
	}
	if e.Content != nil {
		item.Content = e.Content.Value
	}
	if len(e.Authors) > 0 && e.Authors[0] != nil {
		item.Author = strings.TrimSpace(e.Authors[0].Name)
	}

	published := e.PublishedParsed
	if published == nil {
		published = e.UpdatedParsed
	}
	item.PublishedAt = parsedOrNow(published, now)

	for _, l := range e.Links {
		if l == nil || l.Href == "" {
			continue
		}
		switch l.Rel {
		case "", "alternate":
			if item.Link == "" {
				item.Link = strings.TrimSpace(l.Href)
			}
		case "enclosure":
			if isImageEnclosure(l.Type, l.Href) {
				item.MediaURLs = append(item.MediaURLs, strings.TrimSpace(l.Href))
			}
		}
	}
	item.MediaURLs = append(item.MediaURLs, mediaURLs(e.Extensions)...)
	return item
}

func parsedOrNow(t *time.Time, now time.Time) time.Time {
	if t == nil || t.IsZero() {
		return now
	}
	return t.UTC()
}

// isImageEnclosure accepts explicit image types and untyped enclosures.
func isImageEnclosure(mimeType, u string) bool {
	if strings.TrimSpace(u) == "" {
		return false
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return mimeType == "" || strings.HasPrefix(mimeType, "image/")
}

// mediaURLs collects Media RSS content and thumbnail urls, including those nested in media:group.
func mediaURLs(exts ext.Extensions) []string {
	media, ok := exts["media"]
	if !ok {
		return nil
	}

	var urls []string
	collect := func(group map[string][]ext.Extension) {
		for _, c := range group["content"] {
			medium := strings.ToLower(c.Attrs["medium"])
			if medium != "" && medium != "image" {
				continue
			}
			if isImageEnclosure(c.Attrs["type"], c.Attrs["url"]) {
				urls = append(urls, strings.TrimSpace(c.Attrs["url"]))
			}
		}
		for _, t := range group["thumbnail"] {
			if u := strings.TrimSpace(t.Attrs["url"]); u != "" {
				urls = append(urls, u)
			}
		}
	}

	collect(media)
	for _, g := range media["group"] {
		collect(g.Children)
	}
	return urls
}
