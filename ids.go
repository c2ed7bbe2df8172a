package hirewire

import (
	"time"

	"github.com/oklog/ulid/v2"
)

const localIDPrefix = "local-"

// newID returns a lexically sortable identifier stamped at now.
func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// newLocalID returns an identifier for an entry the server has not seen.
func newLocalID(now time.Time) string {
	return localIDPrefix + newID(now)
}

// IsLocalID reports whether id was minted client-side.
func IsLocalID(id string) bool {
	return len(id) > len(localIDPrefix) && id[:len(localIDPrefix)] == localIDPrefix
}
