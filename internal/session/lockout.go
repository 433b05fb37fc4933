package session

import (
	"strings"
	"sync"
	"time"

	"trustplane.org/internal/autherr"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/stream"
)

const (
	defaultLockThreshold = 5
	defaultLockWindow    = 15 * time.Minute
	defaultLockDuration  = 15 * time.Minute
	defaultLockRetention = time.Hour
)

// attempt tracks failed logins for one identifier (username or origin).
type attempt struct {
	count       int
	windowStart time.Time
	lockUntil   time.Time
	lastSeen    time.Time
}

// Guard counts failed login attempts per identifier and locks identifiers
// that cross the threshold. Attempts during lockout fail fast, before any
// credential comparison runs.
type Guard struct {
	mu       sync.Mutex
	attempts map[string]*attempt

	threshold int
	window    time.Duration
	lockFor   time.Duration
	retention time.Duration

	now func() time.Time
	bus *stream.Bus
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardClock overrides the time source.
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithGuardLimits tunes threshold, counting window and lock duration.
func WithGuardLimits(threshold int, window, lockFor time.Duration) GuardOption {
	return func(g *Guard) {
		if threshold > 0 {
			g.threshold = threshold
		}
		if window > 0 {
			g.window = window
		}
		if lockFor > 0 {
			g.lockFor = lockFor
		}
	}
}

// WithGuardBus publishes lockout events to the given bus.
func WithGuardBus(bus *stream.Bus) GuardOption {
	return func(g *Guard) { g.bus = bus }
}

// NewGuard constructs a lockout guard with the default policy
// (5 failures in 15 minutes lock the identifier for 15 minutes).
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		attempts:  make(map[string]*attempt),
		threshold: defaultLockThreshold,
		window:    defaultLockWindow,
		lockFor:   defaultLockDuration,
		retention: defaultLockRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check fails fast with Locked and a retry-after hint while the identifier is
// locked. It must be called before any credential comparison.
func (g *Guard) Check(identifier string) error {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.attempts[identifier]
	if !ok {
		return nil
	}
	now := g.now().UTC()
	if now.Before(a.lockUntil) {
		return autherr.Locked(a.lockUntil.Sub(now))
	}
	return nil
}

// Fail records a failed authentication for the identifier. The counter resets
// when the window has elapsed; reaching the threshold locks the identifier.
func (g *Guard) Fail(identifier string) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UTC()
	a, ok := g.attempts[identifier]
	if !ok || now.Sub(a.windowStart) > g.window {
		a = &attempt{windowStart: now}
		g.attempts[identifier] = a
	}
	a.count++
	a.lastSeen = now
	if a.count >= g.threshold {
		a.lockUntil = now.Add(g.lockFor)
		obs.Lockouts.Inc()
		obs.SecurityEvent("identifier locked", "identifier", identifier, "failures", a.count)
		if g.bus != nil {
			g.bus.Publish(stream.Event{
				Type:   stream.EventLockout,
				Fields: map[string]string{"identifier": identifier},
			})
		}
	}
}

// Clear wipes the counter after a successful authentication.
func (g *Guard) Clear(identifier string) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, identifier)
}

// Failures reports the current count inside the window, for tests and
// diagnostics.
func (g *Guard) Failures(identifier string) int {
	identifier = normalizeIdentifier(identifier)
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.attempts[identifier]
	if !ok {
		return 0
	}
	if g.now().UTC().Sub(a.windowStart) > g.window {
		return 0
	}
	return a.count
}

// Sweep prunes counters idle past the retention horizon and expired locks.
func (g *Guard) Sweep(now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	stale := make([]string, 0)
	for id, a := range g.attempts {
		if now.Sub(a.lastSeen) > g.retention && !now.Before(a.lockUntil) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(g.attempts, id)
	}
	return nil
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
