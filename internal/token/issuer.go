package token

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trustplane.org/internal/autherr"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/stream"
)

const (
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 24 * time.Hour * 14
	defaultMaxPerUser  = 5
	defaultIssueLimit  = 10
	defaultIssueWindow = time.Minute
)

// family groups the raw tokens minted for one session. expiresAt is the
// latest expiry across its tokens; after that the sweep drops the entry.
type family struct {
	raws      []string
	expiresAt time.Time
}

// record tracks one active token: owning user, timestamps and the session it
// belongs to. Created at issuance, destroyed on revocation or expiry sweep.
type record struct {
	raw       string
	tokenID   string
	userID    string
	sessionID string
	createdAt time.Time
	lastUsed  time.Time
	expiresAt time.Time
}

// Issuer signs, verifies and revokes bearer tokens.
type Issuer struct {
	mu sync.Mutex

	secret   []byte
	issuer   string
	audience string

	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	maxPerUser  int
	issueLimit  int
	issueWindow time.Duration

	// blacklist maps raw token string to the token's expiry so the sweep can
	// drop entries once they would fail verification anyway.
	blacklist map[string]time.Time
	// index holds active tokens per user in insertion order. Cap overflow
	// evicts the oldest-inserted entry, not oldest-by-expiry or LRU.
	index map[string][]*record
	// families groups raw tokens by session so a refresh can revoke the whole
	// current family in one step.
	families map[string]*family
	// issuance holds per-subject issue timestamps inside the sliding window.
	issuance map[string][]time.Time

	bus *stream.Bus
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithAudience sets the audience claim stamped into and required of tokens.
func WithAudience(aud string) Option {
	return func(i *Issuer) { i.audience = strings.TrimSpace(aud) }
}

// WithMaxActiveTokens caps the per-user active-token index.
func WithMaxActiveTokens(n int) Option {
	return func(i *Issuer) {
		if n > 0 {
			i.maxPerUser = n
		}
	}
}

// WithIssueRate configures the per-subject sliding-window issuance throttle.
func WithIssueRate(limit int, window time.Duration) Option {
	return func(i *Issuer) {
		if limit > 0 {
			i.issueLimit = limit
		}
		if window > 0 {
			i.issueWindow = window
		}
	}
}

// WithBus publishes revocation events to the given bus.
func WithBus(bus *stream.Bus) Option {
	return func(i *Issuer) { i.bus = bus }
}

// NewIssuer constructs an Issuer signing with the given secret.
func NewIssuer(secret []byte, issuerName string, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	issuerName = strings.TrimSpace(issuerName)
	if issuerName == "" {
		return nil, errors.New("token: issuer name is required")
	}
	i := &Issuer{
		secret:      secret,
		issuer:      issuerName,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		now:         time.Now,
		maxPerUser:  defaultMaxPerUser,
		issueLimit:  defaultIssueLimit,
		issueWindow: defaultIssueWindow,
		blacklist:   make(map[string]time.Time),
		index:       make(map[string][]*record),
		families:    make(map[string]*family),
		issuance:    make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// IssuePair mints a linked access/refresh family for the subject, bound to
// the session. Each call produces fresh random token ids, so identical inputs
// never reproduce a previous token.
func (i *Issuer) IssuePair(subject, sessionID string, roles, permissions []string) (Pair, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Pair{}, autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "subject is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return Pair{}, autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "session id is required")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now().UTC()
	if retryAfter, ok := i.overIssueBudget(subject, now); ok {
		return Pair{}, autherr.RateLimited(retryAfter)
	}

	accessID := uuid.NewString()
	accessExp := now.Add(i.accessTTL)
	access, err := i.sign(Claims{
		SessionID:   sessionID,
		Roles:       roles,
		Permissions: permissions,
		TokenType:   TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  i.audienceClaim(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        accessID,
		},
	})
	if err != nil {
		return Pair{}, err
	}

	refreshExp := now.Add(i.refreshTTL)
	refresh, err := i.sign(Claims{
		SessionID: sessionID,
		TokenType: TypeRefresh,
		AccessID:  accessID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  i.audienceClaim(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return Pair{}, err
	}

	// The attempt succeeded; only now does it consume a rate slot.
	i.issuance[subject] = append(i.issuance[subject], now)

	i.track(&record{raw: access, tokenID: accessID, userID: subject, sessionID: sessionID, createdAt: now, lastUsed: now, expiresAt: accessExp})
	i.track(&record{raw: refresh, userID: subject, sessionID: sessionID, createdAt: now, lastUsed: now, expiresAt: refreshExp})

	fam := i.families[sessionID]
	if fam == nil {
		fam = &family{}
		i.families[sessionID] = fam
	}
	fam.raws = append(fam.raws, access, refresh)
	if refreshExp.After(fam.expiresAt) {
		fam.expiresAt = refreshExp
	}

	obs.TokensIssued.WithLabelValues(string(TypeAccess)).Inc()
	obs.TokensIssued.WithLabelValues(string(TypeRefresh)).Inc()

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Verify checks signature, time validity, issuer/audience/type constraints
// and revocation, in that order. Signature comparison is constant-time
// (HS256 verification goes through hmac.Equal).
func (i *Issuer) Verify(raw string, c Constraints) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, autherr.New(autherr.KindIntegrity, autherr.CodeMalformed, "empty token")
	}

	claims, err := i.parse(raw, true)
	if err != nil {
		return nil, err
	}

	if claims.ExpiresAt == nil || claims.IssuedAt == nil ||
		!claims.ExpiresAt.Time.After(claims.IssuedAt.Time) {
		return nil, autherr.New(autherr.KindIntegrity, autherr.CodeMalformed, "expiry must follow issued-at")
	}
	if claims.Issuer != i.issuer {
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeWrongIssuer, "unexpected issuer")
	}
	wantAud := c.Audience
	if wantAud == "" {
		wantAud = i.audience
	}
	if wantAud != "" && !hasAudience(claims.Audience, wantAud) {
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeWrongAudience, "unexpected audience")
	}
	if c.Type != "" && claims.TokenType != c.Type {
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeWrongType, "unexpected token type")
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, revoked := i.blacklist[raw]; revoked {
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeRevoked, "token revoked")
	}
	if rec := i.findRecord(claims.Subject, raw); rec != nil {
		rec.lastUsed = i.now().UTC()
	}
	return claims, nil
}

// Refresh rotates a token family: it verifies the refresh token, revokes the
// entire current family for that session, then mints a new family. A replayed
// refresh token is already blacklisted and cannot spawn a sibling family.
func (i *Issuer) Refresh(rawRefresh string, roles, permissions []string) (Pair, error) {
	claims, err := i.Verify(rawRefresh, Constraints{Type: TypeRefresh})
	if err != nil {
		return Pair{}, err
	}
	i.RevokeFamily(claims.SessionID, "refresh_rotation")
	return i.IssuePair(claims.Subject, claims.SessionID, roles, permissions)
}

// Revoke blacklists a single token. The signature must check out so forged
// strings cannot pollute the blacklist, but expired tokens are still
// revocable (claim validity is not required).
func (i *Issuer) Revoke(raw, reason string) error {
	raw = strings.TrimSpace(raw)
	claims, err := i.parse(raw, false)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.revokeLocked(raw, claims.RegisteredClaims.ExpiresAt.Time, claims.Subject, reason)
	i.mu.Unlock()
	return nil
}

// RevokeFamily blacklists every token minted for the session.
func (i *Issuer) RevokeFamily(sessionID, reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fam := i.families[sessionID]
	if fam == nil {
		return
	}
	for _, raw := range fam.raws {
		i.blacklistLocked(raw, reason)
	}
	delete(i.families, sessionID)
}

// RevokeAllForUser blacklists every active token in the user's index.
func (i *Issuer) RevokeAllForUser(userID, reason string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, rec := range i.index[userID] {
		i.blacklist[rec.raw] = rec.expiresAt
		obs.TokensRevoked.WithLabelValues(reason).Inc()
	}
	delete(i.index, userID)
}

// ActiveTokens reports how many tokens the user's index currently holds.
func (i *Issuer) ActiveTokens(userID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.index[userID])
}

// Sweep purges blacklist and index entries whose claims have expired, and
// drops stale issuance windows. Keys are snapshotted before deletion.
func (i *Issuer) Sweep(now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	expired := make([]string, 0)
	for raw, exp := range i.blacklist {
		if now.After(exp) {
			expired = append(expired, raw)
		}
	}
	for _, raw := range expired {
		delete(i.blacklist, raw)
	}

	for user, recs := range i.index {
		kept := recs[:0]
		for _, rec := range recs {
			if now.Before(rec.expiresAt) {
				kept = append(kept, rec)
			}
		}
		if len(kept) == 0 {
			delete(i.index, user)
			continue
		}
		i.index[user] = kept
	}

	staleFamilies := make([]string, 0)
	for sessionID, fam := range i.families {
		if now.After(fam.expiresAt) {
			staleFamilies = append(staleFamilies, sessionID)
		}
	}
	for _, sessionID := range staleFamilies {
		delete(i.families, sessionID)
	}

	cutoff := now.Add(-i.issueWindow)
	for subject, stamps := range i.issuance {
		kept := pruneBefore(stamps, cutoff)
		if len(kept) == 0 {
			delete(i.issuance, subject)
			continue
		}
		i.issuance[subject] = kept
	}
	return nil
}

func (i *Issuer) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", autherr.Wrap(autherr.KindIntegrity, autherr.CodeMalformed, err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw string, validate bool) (*Claims, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }),
		jwt.WithIssuedAt(),
	}
	if !validate {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, mapJWTError(err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, autherr.New(autherr.KindIntegrity, autherr.CodeMalformed, "incomplete claims")
	}
	return claims, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return autherr.Wrap(autherr.KindIntegrity, autherr.CodeMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return autherr.Wrap(autherr.KindIntegrity, autherr.CodeInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return autherr.Wrap(autherr.KindAuthentication, autherr.CodeExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return autherr.Wrap(autherr.KindAuthentication, autherr.CodeNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return autherr.Wrap(autherr.KindAuthentication, autherr.CodeFutureIssued, err)
	default:
		return autherr.Wrap(autherr.KindIntegrity, autherr.CodeMalformed, err)
	}
}

// overIssueBudget reports whether the subject has exhausted its sliding
// window. A rejected attempt never consumes a slot.
func (i *Issuer) overIssueBudget(subject string, now time.Time) (time.Duration, bool) {
	cutoff := now.Add(-i.issueWindow)
	kept := pruneBefore(i.issuance[subject], cutoff)
	if len(kept) == 0 {
		delete(i.issuance, subject)
	} else {
		i.issuance[subject] = kept
	}
	if len(kept) < i.issueLimit {
		return 0, false
	}
	return kept[0].Add(i.issueWindow).Sub(now), true
}

// track appends to the per-user index, evicting the oldest-inserted token
// when the cap is exceeded. Eviction order is FIFO by insertion, not by
// expiry and not least-recently-used.
func (i *Issuer) track(rec *record) {
	recs := append(i.index[rec.userID], rec)
	for len(recs) > i.maxPerUser {
		oldest := recs[0]
		recs = recs[1:]
		// The evicted record is already in hand. blacklistLocked would rescan
		// the index and re-slice the backing array this loop still reads.
		i.blacklist[oldest.raw] = oldest.expiresAt
		obs.TokensRevoked.WithLabelValues("evicted").Inc()
	}
	i.index[rec.userID] = recs
}

func (i *Issuer) revokeLocked(raw string, exp time.Time, userID, reason string) {
	i.blacklist[raw] = exp
	recs := i.index[userID]
	for idx, rec := range recs {
		if rec.raw == raw {
			i.index[userID] = append(recs[:idx], recs[idx+1:]...)
			break
		}
	}
	obs.TokensRevoked.WithLabelValues(reason).Inc()
	if i.bus != nil {
		i.bus.Publish(stream.Event{
			Type:   stream.EventTokenRevoked,
			UserID: userID,
			Fields: map[string]string{"reason": reason},
		})
	}
}

// blacklistLocked revokes a raw token whose record may or may not still be
// indexed. Expiry is taken from the record when available so sweeps can GC
// the entry; otherwise the refresh TTL is a safe upper bound. Index removal
// copies instead of shifting in place: track hands out slice headers over the
// same backing array.
func (i *Issuer) blacklistLocked(raw, reason string) {
	exp := i.now().UTC().Add(i.refreshTTL)
	for user, recs := range i.index {
		for idx, rec := range recs {
			if rec.raw == raw {
				exp = rec.expiresAt
				kept := make([]*record, 0, len(recs)-1)
				kept = append(kept, recs[:idx]...)
				kept = append(kept, recs[idx+1:]...)
				i.index[user] = kept
				break
			}
		}
	}
	i.blacklist[raw] = exp
	obs.TokensRevoked.WithLabelValues(reason).Inc()
}

func (i *Issuer) findRecord(userID, raw string) *record {
	for _, rec := range i.index[userID] {
		if rec.raw == raw {
			return rec
		}
	}
	return nil
}

func (i *Issuer) audienceClaim() jwt.ClaimStrings {
	if i.audience == "" {
		return nil
	}
	return jwt.ClaimStrings{i.audience}
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
