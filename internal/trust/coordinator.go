// Package trust orchestrates tokens, sessions and role authority into the
// register/login/logout/refresh flows.
//
// Per principal the state machine is
//
//	Anonymous -> (register|login) -> Authenticated
//	Authenticated -> (logout|expired|forced-reauth) -> Anonymous
//
// Authenticated state is represented by the {token family, session,
// permission snapshot} triple, which is created all-or-nothing: any failure
// after partial completion tears the partial artifacts down before the error
// propagates.
package trust

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"trustplane.org/internal/autherr"
	"trustplane.org/internal/ids"
	"trustplane.org/internal/obs"
	"trustplane.org/internal/rbac"
	"trustplane.org/internal/sched"
	"trustplane.org/internal/session"
	"trustplane.org/internal/store"
	"trustplane.org/internal/token"
)

// Credentials is the login/registration input.
type Credentials struct {
	Username string
	Password string
}

// Result is the authenticated triple returned by Register, Login and Refresh.
type Result struct {
	UserID           string
	Session          *session.Session
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Roles            []string
	Permissions      []string
}

// Coordinator wires the token issuer, session registry and role authority
// behind the outward trust API.
type Coordinator struct {
	tokens      *token.Issuer
	sessions    *session.Registry
	userGuard   *session.Guard
	originGuard *session.Guard
	roles       *rbac.Authority
	store       store.Store
	hasher      Hasher

	// limiter paces credential-issuing flows globally, on top of the
	// per-subject sliding window inside the issuer.
	limiter *rate.Limiter

	defaultRole string
	now         func() time.Time
}

// Config collects the coordinator's collaborators.
type Config struct {
	Tokens      *token.Issuer
	Sessions    *session.Registry
	UserGuard   *session.Guard
	OriginGuard *session.Guard
	Roles       *rbac.Authority
	Store       store.Store
	Hasher      Hasher

	// GlobalRate caps issuance flows per second across all principals.
	// Zero disables the global pacer.
	GlobalRate  float64
	GlobalBurst int

	// DefaultRole, when set, is assigned to every newly registered user.
	DefaultRole string

	Clock func() time.Time
}

// NewCoordinator validates the wiring and returns a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Tokens == nil || cfg.Sessions == nil || cfg.Roles == nil {
		return nil, errors.New("trust: tokens, sessions and roles are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("trust: store is required")
	}
	if cfg.Hasher == nil {
		return nil, errors.New("trust: hasher is required")
	}
	c := &Coordinator{
		tokens:      cfg.Tokens,
		sessions:    cfg.Sessions,
		userGuard:   cfg.UserGuard,
		originGuard: cfg.OriginGuard,
		roles:       cfg.Roles,
		store:       cfg.Store,
		hasher:      cfg.Hasher,
		defaultRole: strings.TrimSpace(cfg.DefaultRole),
		now:         time.Now,
	}
	if cfg.UserGuard == nil {
		c.userGuard = session.NewGuard()
	}
	if cfg.OriginGuard == nil {
		c.originGuard = session.NewGuard()
	}
	if cfg.GlobalRate > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRate)
			if burst < 1 {
				burst = 1
			}
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRate), burst)
	}
	if cfg.Clock != nil {
		c.now = cfg.Clock
	}
	return c, nil
}

// Register creates a credential and profile for a new principal and logs it
// in. The {tokens, session, snapshot} triple either fully exists afterwards
// or not at all.
func (c *Coordinator) Register(ctx context.Context, creds Credentials, sctx session.Context) (*Result, error) {
	username, err := validateCredentials(creds)
	if err != nil {
		return nil, err
	}
	if err := c.gate(); err != nil {
		return nil, err
	}

	if _, err := c.store.GetCredential(ctx, username); err == nil {
		return nil, autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "username is already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, autherr.Wrap(autherr.KindValidation, autherr.CodeStorage, err)
	}

	// Hashing happens before any registry is touched and never under a lock.
	hash, err := c.hasher.Hash(creds.Password)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindValidation, autherr.CodeInvalidInput, err)
	}

	now := c.now().UTC()
	userID := ids.NewAt(now)
	if err := c.store.PutCredential(ctx, &store.Credential{
		Username: username, UserID: userID, Secret: hash, UpdatedAt: now,
	}); err != nil {
		return nil, autherr.Wrap(autherr.KindValidation, autherr.CodeStorage, err)
	}
	if err := c.store.PutProfile(ctx, &store.Profile{
		UserID: userID, Username: username, CreatedAt: now,
	}); err != nil {
		return nil, autherr.Wrap(autherr.KindValidation, autherr.CodeStorage, err)
	}

	if c.defaultRole != "" {
		if err := c.roles.AssignRole(userID, c.defaultRole, rbac.AssignOptions{Actor: "registration"}); err != nil {
			obs.Logger().Warn("default role assignment failed", "user_id", userID, "role", c.defaultRole, "error", err)
		}
	}

	return c.establish(userID, sctx)
}

// Login authenticates a principal. Lockout is checked for both the username
// and the network origin before any credential comparison runs; failures feed
// both counters.
func (c *Coordinator) Login(ctx context.Context, creds Credentials, sctx session.Context) (*Result, error) {
	username, err := validateCredentials(creds)
	if err != nil {
		return nil, err
	}
	if err := c.gate(); err != nil {
		return nil, err
	}
	if err := c.userGuard.Check(username); err != nil {
		return nil, err
	}
	if err := c.originGuard.Check(sctx.Origin); err != nil {
		return nil, err
	}

	cred, err := c.store.GetCredential(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.recordFailure(username, sctx.Origin)
			return nil, autherr.New(autherr.KindAuthentication, autherr.CodeBadCredential, "unknown username or wrong password")
		}
		return nil, autherr.Wrap(autherr.KindValidation, autherr.CodeStorage, err)
	}

	if !c.verifyAndMigrate(ctx, cred, creds.Password) {
		c.recordFailure(username, sctx.Origin)
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeBadCredential, "unknown username or wrong password")
	}

	c.userGuard.Clear(username)
	c.originGuard.Clear(sctx.Origin)

	return c.establish(cred.UserID, sctx)
}

// Logout revokes the session's token family and invalidates the session.
func (c *Coordinator) Logout(ctx context.Context, sessionID string) error {
	c.tokens.RevokeFamily(sessionID, "logout")
	return c.sessions.Invalidate(sessionID, "logout")
}

// Refresh rotates a token family. The session must still be active; the role
// and permission snapshot is re-resolved so grants revoked since login take
// effect on the new family.
func (c *Coordinator) Refresh(ctx context.Context, rawRefresh string) (*Result, error) {
	claims, err := c.tokens.Verify(rawRefresh, token.Constraints{Type: token.TypeRefresh})
	if err != nil {
		return nil, err
	}
	current, ok := c.sessions.Get(claims.SessionID)
	if !ok || current.State != session.StateActive {
		return nil, autherr.New(autherr.KindAuthentication, autherr.CodeSessionInactive, "session is no longer active")
	}

	roles, perms := c.roles.Snapshot(claims.Subject)
	pair, err := c.tokens.Refresh(rawRefresh, roles, perms)
	if err != nil {
		return nil, err
	}
	return &Result{
		UserID:           claims.Subject,
		Session:          current,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Roles:            roles,
		Permissions:      perms,
	}, nil
}

// VerifyCredential validates a bearer token.
func (c *Coordinator) VerifyCredential(raw string, constraints token.Constraints) (*token.Claims, error) {
	return c.tokens.Verify(raw, constraints)
}

// CheckSession validates a session against the request context. A session
// flagged RequiresReauth is still returned; the caller decides whether to
// force re-authentication.
func (c *Coordinator) CheckSession(id string, sctx session.Context) (*session.Session, error) {
	return c.sessions.Validate(id, sctx)
}

// ForceReauth terminates an authenticated presence whose session demanded
// re-authentication: family revoked, session invalidated.
func (c *Coordinator) ForceReauth(sessionID string) error {
	c.tokens.RevokeFamily(sessionID, "forced_reauth")
	return c.sessions.Invalidate(sessionID, "forced_reauth")
}

// Authorize reports whether the user holds the permission, directly or via
// role inheritance.
func (c *Coordinator) Authorize(userID, permission string) bool {
	return c.roles.HasPermission(userID, permission)
}

// AssignRole delegates to the role authority.
func (c *Coordinator) AssignRole(userID, role string, opts rbac.AssignOptions) error {
	return c.roles.AssignRole(userID, role, opts)
}

// RevokeRole delegates to the role authority.
func (c *Coordinator) RevokeRole(userID, role, actor string) error {
	return c.roles.RevokeRole(userID, role, actor)
}

// RegisterSweeps attaches every registry sweep to the sweeper.
func (c *Coordinator) RegisterSweeps(s *sched.Sweeper) {
	s.Register("tokens", c.tokens.Sweep)
	s.Register("sessions", c.sessions.Sweep)
	s.Register("lockout_users", c.userGuard.Sweep)
	s.Register("lockout_origins", c.originGuard.Sweep)
	s.Register("rbac_grants", c.roles.Sweep)
}

// establish creates the authenticated triple. On any failure after partial
// completion the artifacts created during this attempt are torn down before
// the original error propagates.
func (c *Coordinator) establish(userID string, sctx session.Context) (*Result, error) {
	roles, perms := c.roles.Snapshot(userID)

	sess, err := c.sessions.Create(userID, sctx, roles, perms)
	if err != nil {
		return nil, err
	}

	pair, err := c.tokens.IssuePair(userID, sess.ID, roles, perms)
	if err != nil {
		// Roll back the half-created state; the session must not outlive
		// the failed attempt.
		if rbErr := c.sessions.Invalidate(sess.ID, "creation_rollback"); rbErr != nil {
			obs.Logger().Error("rollback failed", "session_id", sess.ID, "error", rbErr)
		}
		return nil, err
	}

	return &Result{
		UserID:           userID,
		Session:          sess,
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Roles:            roles,
		Permissions:      perms,
	}, nil
}

// verifyAndMigrate checks the password against the stored secret. Legacy
// plaintext secrets are compared in constant time and migrated to a hash on
// success; hashes below the current cost are rehashed.
func (c *Coordinator) verifyAndMigrate(ctx context.Context, cred *store.Credential, password string) bool {
	if !isHash(cred.Secret) {
		if !plaintextEqual(cred.Secret, password) {
			return false
		}
		c.rehash(ctx, cred, password)
		return true
	}
	if !c.hasher.Verify(password, cred.Secret) {
		return false
	}
	if c.hasher.NeedsRehash(cred.Secret) {
		c.rehash(ctx, cred, password)
	}
	return true
}

func (c *Coordinator) rehash(ctx context.Context, cred *store.Credential, password string) {
	hash, err := c.hasher.Hash(password)
	if err != nil {
		obs.Logger().Error("credential rehash failed", "username", cred.Username, "error", err)
		return
	}
	cred.Secret = hash
	cred.UpdatedAt = c.now().UTC()
	if err := c.store.PutCredential(ctx, cred); err != nil {
		obs.Logger().Error("credential migration store failed", "username", cred.Username, "error", err)
	}
}

func (c *Coordinator) recordFailure(username, origin string) {
	c.userGuard.Fail(username)
	c.originGuard.Fail(origin)
}

func (c *Coordinator) gate() error {
	if c.limiter == nil {
		return nil
	}
	r := c.limiter.Reserve()
	if !r.OK() {
		return autherr.RateLimited(0)
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return autherr.RateLimited(delay)
	}
	return nil
}

func validateCredentials(creds Credentials) (string, error) {
	username := strings.ToLower(strings.TrimSpace(creds.Username))
	if username == "" {
		return "", autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "username is required")
	}
	if creds.Password == "" {
		return "", autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "password is required")
	}
	return username, nil
}
