// Package session owns session lifecycle: creation under concurrency caps,
// validation with sliding renewal and anomaly detection, irreversible
// invalidation and login-attempt lockout.
package session

import "time"

// State is the lifecycle state of a session.
type State string

const (
	StateActive      State = "active"
	StateInvalidated State = "invalidated"
)

// SecurityLevel grades how strongly the session was authenticated.
type SecurityLevel string

const (
	LevelStandard SecurityLevel = "standard"
	LevelElevated SecurityLevel = "elevated"
)

// Context carries the request-side signals compared against the values
// captured at session creation.
type Context struct {
	Origin          string
	ClientSignature string
	RememberMe      bool
	SecurityLevel   SecurityLevel
}

// Session is one authenticated presence of a user.
//
// Once invalidated a session is never reactivated, and ExpiresAt only ever
// moves forward across renewals.
type Session struct {
	ID     string
	UserID string

	// Role/permission snapshot attached at creation time.
	Roles       []string
	Permissions []string

	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	// AbsoluteExpiry is the renewal ceiling; sliding renewal never extends
	// past it.
	AbsoluteExpiry time.Time

	SecurityLevel SecurityLevel
	RememberMe    bool

	RequiresReauth     bool
	SuspiciousActivity bool

	State             State
	InvalidatedReason string

	// Captured at creation; drift against these feeds anomaly detection.
	Origin          string
	ClientSignature string
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Roles = append([]string(nil), s.Roles...)
	cp.Permissions = append([]string(nil), s.Permissions...)
	return &cp
}
