package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"trustplane.org/internal/autherr"
	"trustplane.org/internal/ids"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/stream"
)

const (
	defaultTimeout     = 30 * time.Minute
	defaultAbsoluteTTL = 24 * time.Hour
	defaultRememberTTL = 30 * 24 * time.Hour
	defaultMaxIdle     = 2 * time.Hour
	defaultMaxPerUser  = 5

	defaultSuspiciousThreshold = 3
	defaultSuspiciousWindow    = 15 * time.Minute

	// Invalidated sessions are kept as tombstones for this long so callers
	// keep seeing Inactive(reason) instead of NotFound.
	tombstoneRetention = 24 * time.Hour

	// renewFraction triggers sliding renewal when remaining lifetime drops
	// under this share of the nominal timeout.
	renewFraction = 0.1
)

// Registry stores sessions in process and guards them with its own lock, so
// background sweeps can run concurrently with request handling.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
	// suspicious holds per-session anomaly timestamps inside the rolling
	// window.
	suspicious map[string][]time.Time

	timeout     time.Duration
	absoluteTTL time.Duration
	rememberTTL time.Duration
	maxIdle     time.Duration
	maxPerUser  int

	suspiciousThreshold int
	suspiciousWindow    time.Duration

	now func() time.Time
	bus *stream.Bus
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithTimeout sets the nominal session timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithAbsoluteTTL sets the renewal ceiling for regular and remember-me
// sessions.
func WithAbsoluteTTL(regular, remember time.Duration) Option {
	return func(r *Registry) {
		if regular > 0 {
			r.absoluteTTL = regular
		}
		if remember > 0 {
			r.rememberTTL = remember
		}
	}
}

// WithMaxPerUser caps concurrent sessions per user.
func WithMaxPerUser(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxPerUser = n
		}
	}
}

// WithMaxIdle sets the inactivity ceiling enforced by the sweep.
func WithMaxIdle(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxIdle = d
		}
	}
}

// WithSuspiciousThreshold tunes anomaly accumulation.
func WithSuspiciousThreshold(n int, window time.Duration) Option {
	return func(r *Registry) {
		if n > 0 {
			r.suspiciousThreshold = n
		}
		if window > 0 {
			r.suspiciousWindow = window
		}
	}
}

// WithBus publishes lifecycle and security events to the given bus.
func WithBus(bus *stream.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:            make(map[string]*Session),
		byUser:              make(map[string]map[string]struct{}),
		suspicious:          make(map[string][]time.Time),
		timeout:             defaultTimeout,
		absoluteTTL:         defaultAbsoluteTTL,
		rememberTTL:         defaultRememberTTL,
		maxIdle:             defaultMaxIdle,
		maxPerUser:          defaultMaxPerUser,
		suspiciousThreshold: defaultSuspiciousThreshold,
		suspiciousWindow:    defaultSuspiciousWindow,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create opens a session for the user. The caller must have passed lockout
// checks first. When the user already holds the maximum number of active
// sessions, the least-recently-accessed ones are invalidated to make room.
func (r *Registry) Create(userID string, ctx Context, roles, permissions []string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	level := ctx.SecurityLevel
	if level == "" {
		level = LevelStandard
	}
	ceiling := r.absoluteTTL
	if ctx.RememberMe {
		ceiling = r.rememberTTL
	}

	s := &Session{
		ID:              ids.NewAt(now),
		UserID:          userID,
		Roles:           append([]string(nil), roles...),
		Permissions:     append([]string(nil), permissions...),
		CreatedAt:       now,
		LastAccessed:    now,
		ExpiresAt:       now.Add(r.timeout),
		AbsoluteExpiry:  now.Add(ceiling),
		SecurityLevel:   level,
		RememberMe:      ctx.RememberMe,
		State:           StateActive,
		Origin:          ctx.Origin,
		ClientSignature: ctx.ClientSignature,
	}

	r.evictOverflowLocked(userID)

	r.sessions[s.ID] = s
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][s.ID] = struct{}{}

	obs.SessionsActive.Inc()
	r.publish(stream.Event{Type: stream.EventSessionCreated, UserID: userID, SessionID: s.ID})
	return s.clone(), nil
}

// Validate checks the session, bumps last-accessed, applies sliding renewal
// and runs anomaly detection against the request context. Anomalies never
// invalidate the session here; high-risk ones set RequiresReauth and the
// caller decides whether to force re-authentication.
func (r *Registry) Validate(id string, ctx Context) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeSessionNotFound, "session not found")
	}
	if s.State == StateInvalidated {
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeSessionInactive, s.InvalidatedReason)
	}

	now := r.now().UTC()
	if !now.Before(s.ExpiresAt) {
		r.invalidateLocked(s, "expired")
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeSessionExpired, "session expired")
	}

	r.detectAnomaliesLocked(s, ctx, now)

	s.LastAccessed = now
	if remaining := s.ExpiresAt.Sub(now); remaining < time.Duration(renewFraction*float64(r.timeout)) {
		renewed := now.Add(r.timeout)
		if renewed.After(s.AbsoluteExpiry) {
			renewed = s.AbsoluteExpiry
		}
		// Expiry is monotonic non-decreasing across renewals.
		if renewed.After(s.ExpiresAt) {
			s.ExpiresAt = renewed
			r.publish(stream.Event{Type: stream.EventSessionRenewed, UserID: s.UserID, SessionID: s.ID})
		}
	}
	return s.clone(), nil
}

// Invalidate transitions the session to the terminal invalidated state and
// removes it from the per-user index. The transition is irreversible.
func (r *Registry) Invalidate(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return autherr.New(autherr.KindAuthentication, autherr.CodeSessionNotFound, "session not found")
	}
	if s.State == StateInvalidated {
		return nil
	}
	r.invalidateLocked(s, reason)
	return nil
}

// InvalidateAllForUser terminates every session of the user, optionally
// sparing one (e.g. the session performing a password change).
func (r *Registry) InvalidateAllForUser(userID, reason, exceptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.byUser[userID] {
		if id == exceptID {
			continue
		}
		if s, ok := r.sessions[id]; ok && s.State == StateActive {
			r.invalidateLocked(s, reason)
		}
	}
}

// Get returns a copy of the session without touching access times.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// ActiveCount reports active sessions for the user.
func (r *Registry) ActiveCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// Sweep invalidates sessions past expiry or the inactivity ceiling, drops old
// tombstones and prunes stale anomaly windows. Keys are snapshotted before
// deletion so the sweep can run concurrently with request handling.
func (r *Registry) Sweep(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idsToCheck := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		idsToCheck = append(idsToCheck, id)
	}
	for _, id := range idsToCheck {
		s := r.sessions[id]
		switch {
		case s.State == StateInvalidated:
			if now.Sub(s.LastAccessed) > tombstoneRetention {
				delete(r.sessions, id)
				delete(r.suspicious, id)
			}
		case !now.Before(s.ExpiresAt):
			r.invalidateLocked(s, "expired")
		case now.Sub(s.LastAccessed) > r.maxIdle:
			r.invalidateLocked(s, "idle_timeout")
		}
	}

	cutoff := now.Add(-r.suspiciousWindow)
	for id, stamps := range r.suspicious {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(r.suspicious, id)
			continue
		}
		r.suspicious[id] = kept
	}
	return nil
}

func (r *Registry) detectAnomaliesLocked(s *Session, ctx Context, now time.Time) {
	if ctx.Origin != "" && s.Origin != "" && ctx.Origin != s.Origin {
		// Origin change is high risk: flag for re-auth immediately.
		s.RequiresReauth = true
		s.SuspiciousActivity = true
		obs.SecurityEvents.WithLabelValues("origin_change").Inc()
		obs.SecurityEvent("session origin changed",
			"session_id", s.ID, "user_id", s.UserID,
			"expected", s.Origin, "got", ctx.Origin)
		r.publish(stream.Event{
			Type: stream.EventSecurityAnomaly, UserID: s.UserID, SessionID: s.ID,
			Fields: map[string]string{"category": "origin_change"},
		})
		return
	}

	if ctx.ClientSignature != "" && s.ClientSignature != "" && ctx.ClientSignature != s.ClientSignature {
		cutoff := now.Add(-r.suspiciousWindow)
		kept := r.suspicious[s.ID][:0]
		for _, ts := range r.suspicious[s.ID] {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		kept = append(kept, now)
		r.suspicious[s.ID] = kept
		s.SuspiciousActivity = true
		obs.SecurityEvents.WithLabelValues("client_signature_drift").Inc()
		obs.SecurityEvent("client signature drift",
			"session_id", s.ID, "user_id", s.UserID, "events", len(kept))
		if len(kept) >= r.suspiciousThreshold {
			s.RequiresReauth = true
			r.publish(stream.Event{
				Type: stream.EventSecurityAnomaly, UserID: s.UserID, SessionID: s.ID,
				Fields: map[string]string{"category": "suspicious_accumulation"},
			})
		}
	}
}

func (r *Registry) invalidateLocked(s *Session, reason string) {
	s.State = StateInvalidated
	s.InvalidatedReason = reason
	if users := r.byUser[s.UserID]; users != nil {
		delete(users, s.ID)
		if len(users) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	obs.SessionsActive.Dec()
	r.publish(stream.Event{
		Type: stream.EventSessionInvalidated, UserID: s.UserID, SessionID: s.ID,
		Fields: map[string]string{"reason": reason},
	})
}

// evictOverflowLocked invalidates least-recently-accessed sessions until one
// slot is free.
func (r *Registry) evictOverflowLocked(userID string) {
	active := make([]*Session, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		if s, ok := r.sessions[id]; ok && s.State == StateActive {
			active = append(active, s)
		}
	}
	if len(active) < r.maxPerUser {
		return
	}
	sort.Slice(active, func(a, b int) bool {
		return active[a].LastAccessed.Before(active[b].LastAccessed)
	})
	for idx := 0; idx <= len(active)-r.maxPerUser; idx++ {
		r.invalidateLocked(active[idx], "concurrent_session_limit")
	}
}

func (r *Registry) publish(evt stream.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}
