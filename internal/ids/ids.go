// Package ids mints the identifiers used across the control plane.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a ULID. Ids minted by one process sort in creation order, which
// keeps audit entries and pending actions naturally ordered in storage.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Valid reports whether s is a well-formed id produced by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NewRandomUUID returns a v4 UUID for ids handed to third parties, such as
// export watermarks, where ordering and timing must not leak.
func NewRandomUUID() string {
	return uuid.NewString()
}
