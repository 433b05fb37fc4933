// Package ids issues sortable identifiers for sessions, grants and audit
// entries. Token ids (jti) are random UUIDs and live in the token package.
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

// New returns a lexicographically sortable identifier. Identifiers created in
// sequence sort in creation order, which the registries rely on for stable
// tie-breaking.
func New() string {
	return NewAt(time.Now())
}

// NewAt stamps the identifier with the provided time. Used by code running on
// an injected clock.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
