package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewLocalID returns a ULID used as a message local id.
// ULIDs are unique per session by construction and lexicographically
// sortable, which keeps optimistic records traceable in logs.
func NewLocalID(now time.Time) (string, error) {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as a channel envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return newULID(now)
}

func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
