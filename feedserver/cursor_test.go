package feedserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	indexedAt := time.Date(2023, 9, 15, 12, 34, 56, 0, time.UTC)
	cursor := makeCursor(indexedAt, "bafylast")
	assert.Equal(t, "1694781296000::bafylast", cursor)

	parsed, err := parseCursor(cursor)
	require.NoError(t, err)
	assert.Equal(t, indexedAt, parsed.IndexedAt)
	assert.Equal(t, "bafylast", parsed.Cid)
}

func TestParseCursorMalformed(t *testing.T) {
	for _, cursor := range []string{
		"",
		"justonepart",
		"1694781296000",
		"notanumber::bafylast",
		"1::2::3",
	} {
		_, err := parseCursor(cursor)
		assert.Error(t, err, "cursor %q", cursor)
	}
}
