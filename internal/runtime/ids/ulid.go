package ids

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Correlation ids only need to be unique within one process; the monotonic
// entropy source guarantees that even for ids minted in the same millisecond.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ShortHex returns n random bytes hex-encoded. Used for instance id suffixes.
func ShortHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// ULID-derived suffix rather than returning an empty id.
		return CreateULID()[:n*2]
	}
	return hex.EncodeToString(buf)
}
