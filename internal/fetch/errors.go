package fetch

import "fmt"

// FetchError is a source-scoped failure: transport error, timeout, non-2xx status
// or a document that cannot be parsed at the top level.
type FetchError struct {
	SourceID   string
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch source %s (%s): status %d: %v", e.SourceID, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch source %s (%s): %v", e.SourceID, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ItemParseError describes a single entry that was dropped. It never fails the feed.
type ItemParseError struct {
	SourceID string
	Index    int
	Reason   string
}

func (e *ItemParseError) Error() string {
	return fmt.Sprintf("source %s: item %d dropped: %s", e.SourceID, e.Index, e.Reason)
}
