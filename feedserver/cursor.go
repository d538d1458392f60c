package feedserver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nederlandskie/feedgen/store"
)

// Feed-skeleton cursors are "<millis>::<cid>", where millis is the last
// row's indexed_at truncated to seconds and scaled. The client hands the
// cursor back verbatim.
func makeCursor(indexedAt time.Time, cid string) string {
	return fmt.Sprintf("%d::%s", indexedAt.Unix()*1000, cid)
}

func parseCursor(cursor string) (*store.PostCursor, error) {
	parts := strings.Split(cursor, "::")
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed cursor: %s", cursor)
	}

	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %s", cursor)
	}

	return &store.PostCursor{
		IndexedAt: time.Unix(millis/1000, 0).UTC(),
		Cid:       parts[1],
	}, nil
}
