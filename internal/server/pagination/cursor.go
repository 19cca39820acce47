// Package pagination implements the opaque keyset cursors of the article listing.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	cursorSeparator = "|"
	timeFormat      = time.RFC3339Nano
)

// Cursor marks the last article of a page: rows strictly after (CreatedAt, ID) follow.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// Encode returns the opaque, URL-safe form of c.
func (c Cursor) Encode() string {
	key := c.CreatedAt.UTC().Format(timeFormat) + cursorSeparator + strconv.FormatInt(c.ID, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// EncodeCursor is shorthand for Cursor{ts, id}.Encode().
func EncodeCursor(ts time.Time, id int64) string {
	return Cursor{CreatedAt: ts, ID: id}.Encode()
}

// DecodeCursor parses a cursor produced by Encode.
func DecodeCursor(encoded string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	tsPart, idPart, ok := strings.Cut(string(raw), cursorSeparator)
	if !ok {
		return Cursor{}, fmt.Errorf("invalid cursor format")
	}

	ts, err := time.Parse(timeFormat, tsPart)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id < 0 {
		return Cursor{}, fmt.Errorf("invalid id in cursor: %q", idPart)
	}

	return Cursor{CreatedAt: ts.UTC(), ID: id}, nil
}
