// Package token signs and verifies the compact bearer credentials used by the
// trust subsystem. It owns the revocation blacklist and the per-user
// active-token index.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type discriminates access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the signed payload carried by every trust token.
//
// Refresh tokens reference the access token they were minted with via
// AccessID, which links the pair into one family: revoking the family kills
// both halves at once.
type Claims struct {
	SessionID   string   `json:"sid,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	TokenType   Type     `json:"token_type"`
	AccessID    string   `json:"access_jti,omitempty"`
	jwt.RegisteredClaims
}

// Constraints narrows verification beyond signature and time validity.
// Zero values leave the corresponding check at the issuer's defaults.
type Constraints struct {
	Audience string
	Type     Type
}

// Pair is a freshly minted access/refresh family bound to one session.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}
