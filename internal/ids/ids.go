package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier for users, roles,
// refresh tokens and event envelopes.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier whose timestamp component is t. Ids produced
// within one millisecond stay monotonic.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Valid reports whether s parses as an identifier produced by New.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
