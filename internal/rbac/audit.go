package rbac

import (
	"sync"
	"time"

	"trustplane.org/internal/ids"
)

// AuditEntry is one immutable record of a mutating RBAC call.
type AuditEntry struct {
	ID     string
	Action string
	Actor  string
	Target string
	At     time.Time
}

// auditRing keeps the most recent entries in a fixed-capacity ring. Old
// entries are overwritten, never mutated in place.
type auditRing struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	size    int
}

func newAuditRing(capacity int) *auditRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &auditRing{entries: make([]AuditEntry, capacity)}
}

func (r *auditRing) append(action, actor, target string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = AuditEntry{
		ID:     ids.NewAt(at),
		Action: action,
		Actor:  actor,
		Target: target,
		At:     at,
	}
	r.next = (r.next + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// tail returns up to n entries, newest first.
func (r *auditRing) tail(n int) []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]AuditEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
