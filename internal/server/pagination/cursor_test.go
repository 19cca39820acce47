package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 30, 15, 123456789, time.FixedZone("CAT", 2*60*60))

	c, err := DecodeCursor(EncodeCursor(ts, 42))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(ts))
	assert.Equal(t, time.UTC, c.CreatedAt.Location())
	assert.Equal(t, int64(42), c.ID)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := map[string]string{
		"not base64":    "%%%",
		"no separator":  enc("2024-06-01T10:00:00Z"),
		"bad timestamp": enc("yesterday|5"),
		"bad id":        enc("2024-06-01T10:00:00Z|five"),
		"negative id":   enc("2024-06-01T10:00:00Z|-1"),
	}
	for name, cursor := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCursor(cursor)
			assert.Error(t, err)
		})
	}
}
