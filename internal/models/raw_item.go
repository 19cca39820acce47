package models

import "time"

// RawItem is a single parsed feed entry. It is never persisted.
type RawItem struct {
	GUID        string
	Title       string
	Link        string
	Description string
	Content     string
	Author      string
	PublishedAt time.Time
	MediaURLs   []string // enclosure, media:content, media:thumbnail in document order
}

// DedupKey returns the feed-supplied id when present, else the link.
func (r RawItem) DedupKey() string {
	if r.GUID != "" {
		return r.GUID
	}
	return r.Link
}
