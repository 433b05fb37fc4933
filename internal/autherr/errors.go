// Package autherr defines the error taxonomy shared by the trust subsystem.
// Registry-internal errors are translated into this taxonomy before they
// cross a component boundary.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a trust failure for callers deciding retry and surfacing.
type Kind int

const (
	// KindValidation marks bad input. Never auto-retried.
	KindValidation Kind = iota
	// KindAuthentication marks a bad credential, locked identifier or an
	// expired credential. Feeds lockout counters.
	KindAuthentication
	// KindAuthorization marks insufficient permission. No state change.
	KindAuthorization
	// KindSecurity marks an anomaly. Logged; may force re-auth without
	// hard-failing the request.
	KindSecurity
	// KindIntegrity marks a signature or format failure. Always fatal for
	// that token.
	KindIntegrity
	// KindExhausted marks a rate limit or capacity cap. Carries retry-after.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindSecurity:
		return "security"
	case KindIntegrity:
		return "integrity"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error is the taxonomy error. Code identifies the concrete failure
// (e.g. "token_revoked", "locked") and is stable across releases.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	wrapped    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches by kind and code so sentinels can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// New constructs a taxonomy error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches an underlying cause to a taxonomy error.
func Wrap(kind Kind, code string, err error) *Error {
	if err == nil {
		return New(kind, code, "")
	}
	return &Error{Kind: kind, Code: code, Message: err.Error(), wrapped: err}
}

// Locked reports an identifier lockout with the remaining wait.
func Locked(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindAuthentication,
		Code:       CodeLocked,
		Message:    "identifier is temporarily locked",
		RetryAfter: retryAfter,
	}
}

// RateLimited reports an exhausted rate budget with the remaining wait.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindExhausted,
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the taxonomy kind, or ok=false for foreign errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Kind, true
}

// CodeOf extracts the stable failure code, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// RetryAfterOf extracts the retry hint, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if !errors.As(err, &e) {
		return 0
	}
	return e.RetryAfter
}

// Stable failure codes.
const (
	CodeMalformed        = "token_malformed"
	CodeInvalidSignature = "token_invalid_signature"
	CodeExpired          = "token_expired"
	CodeNotYetValid      = "token_not_yet_valid"
	CodeFutureIssued     = "token_future_issued"
	CodeWrongIssuer      = "token_wrong_issuer"
	CodeWrongAudience    = "token_wrong_audience"
	CodeWrongType        = "token_wrong_type"
	CodeRevoked          = "token_revoked"
	CodeRateLimited      = "rate_limited"
	CodeLocked           = "locked"
	CodeSessionNotFound  = "session_not_found"
	CodeSessionInactive  = "session_inactive"
	CodeSessionExpired   = "session_expired"
	CodeBadCredential    = "bad_credential"
	CodeForbidden        = "forbidden"
	CodeInvalidInput     = "invalid_input"
	CodeAnomaly          = "anomaly"
	CodeStorage          = "storage_failure"
)
