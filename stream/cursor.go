package stream

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursors are opaque tokens echoed on live responses so that an external
// cache never collapses two different generations of the same URL. They are
// never compared by the server, only regenerated: each response carries a
// cursor derived from the interval clock and the client's previous one.

// Cursor interval epoch: October 9, 2024 00:00:00 UTC.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const cursorIntervalSeconds = 20

// currentCursorInterval numbers the interval since the cursor epoch.
func currentCursorInterval() int64 {
	elapsed := time.Now().UnixMilli() - cursorEpoch.UnixMilli()
	return elapsed / (cursorIntervalSeconds * 1000)
}

// NextCursor generates the cursor for a response given the client's previous
// cursor. A client cursor at or ahead of the clock is advanced past itself so
// the new value is always distinct.
func NextCursor(clientCursor string) string {
	current := currentCursorInterval()
	if clientCursor == "" {
		return strconv.FormatInt(current, 10)
	}
	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < current {
		return strconv.FormatInt(current, 10)
	}
	return strconv.FormatInt(clientInterval+1, 10)
}

// NewStreamSalt derives the per-stream-instance offset salt. Any
// deterministic per-instance value works; offsets compare by counter only.
func NewStreamSalt() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// SegmentBlobKey derives the opaque cold-storage key for a segment from the
// stream's salt and the segment's starting offset.
func SegmentBlobKey(streamID, salt string, startOffset uint64) string {
	return "segments/" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(streamID)).String() + "/" + salt + "-" + strconv.FormatUint(startOffset, 10) + ".seg"
}
