// Package rbac resolves role and permission grants, including inherited
// permissions over a role hierarchy and time-bounded assignments.
package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"trustplane.org/internal/autherr"
	"trustplane.org/internal/ids"
	"trustplane.org/internal/stream"
)

const (
	defaultMaxDepth    = 5
	defaultMaxHorizon  = 90 * 24 * time.Hour
	defaultAuditEvents = 1000
)

// Permission is a fine-grained capability. Identity is the name; redefining
// an existing name overwrites it and is audited.
type Permission struct {
	Name        string
	Category    string
	Description string
}

// GrantKind discriminates temporary role grants from temporary permission
// grants.
type GrantKind string

const (
	GrantRole       GrantKind = "role"
	GrantPermission GrantKind = "permission"
)

// TemporaryAssignment is a self-expiring grant tracked in the per-user
// ledger and auto-revoked by the sweep.
type TemporaryAssignment struct {
	ID        string
	Kind      GrantKind
	Target    string
	UserID    string
	ExpiresAt time.Time
}

// AssignOptions modifies role/permission assignment.
type AssignOptions struct {
	// ExpiresAt makes the grant temporary. Must be future-dated and within
	// the authority's max horizon.
	ExpiresAt time.Time
	// AdminPath marks the explicit administrative assignment path.
	// Non-inheritable roles can only be assigned through it.
	AdminPath bool
	// Actor is recorded in the audit trail.
	Actor string
}

// roleNode is an arena-indexed node of the role DAG. Parents are stored as
// arena indices so depth checks cost O(1) per edge.
type roleNode struct {
	name        string
	permissions map[string]struct{}
	inheritable bool
	parents     []int
}

// Authority owns the permission catalog, the role hierarchy and all grants.
type Authority struct {
	mu sync.Mutex

	permissions map[string]Permission
	nodes       []roleNode
	roleIndex   map[string]int

	// Permanent grants.
	userRoles map[string]map[string]struct{}
	userPerms map[string]map[string]struct{}
	// Temporary grants, ledgered per user.
	temp map[string]map[string]TemporaryAssignment

	maxDepth   int
	maxHorizon time.Duration

	audit *auditRing
	now   func() time.Time
	bus   *stream.Bus
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithMaxDepth bounds inheritance traversal.
func WithMaxDepth(depth int) Option {
	return func(a *Authority) {
		if depth > 0 {
			a.maxDepth = depth
		}
	}
}

// WithMaxHorizon bounds how far in the future a temporary grant may expire.
func WithMaxHorizon(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.maxHorizon = d
		}
	}
}

// WithAuditCapacity sizes the audit ring.
func WithAuditCapacity(n int) Option {
	return func(a *Authority) { a.audit = newAuditRing(n) }
}

// WithBus publishes grant-expiry events to the given bus.
func WithBus(bus *stream.Bus) Option {
	return func(a *Authority) { a.bus = bus }
}

// NewAuthority constructs an empty authority.
func NewAuthority(opts ...Option) *Authority {
	a := &Authority{
		permissions: make(map[string]Permission),
		roleIndex:   make(map[string]int),
		userRoles:   make(map[string]map[string]struct{}),
		userPerms:   make(map[string]map[string]struct{}),
		temp:        make(map[string]map[string]TemporaryAssignment),
		maxDepth:    defaultMaxDepth,
		maxHorizon:  defaultMaxHorizon,
		audit:       newAuditRing(defaultAuditEvents),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DefinePermission adds a permission to the catalog. Redefining an existing
// name overwrites it; both paths are audited.
func (a *Authority) DefinePermission(p Permission, actor string) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "permission name is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	action := "permission.define"
	if _, exists := a.permissions[p.Name]; exists {
		action = "permission.redefine"
	}
	a.permissions[p.Name] = p
	a.audit.append(action, actor, p.Name, a.now().UTC())
	return nil
}

// DefineRole creates or redefines a role. Every referenced permission and
// parent role must already exist, which keeps the hierarchy acyclic by
// construction on first definition; redefinition additionally rejects any
// parent set that would reach the role itself.
func (a *Authority) DefineRole(name string, permissions, parents []string, inheritable bool, actor string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "role name is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	permSet := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if _, ok := a.permissions[p]; !ok {
			return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput,
				fmt.Sprintf("unknown permission %q", p))
		}
		permSet[p] = struct{}{}
	}

	parentIdx := make([]int, 0, len(parents))
	for _, p := range parents {
		p = strings.TrimSpace(p)
		idx, ok := a.roleIndex[p]
		if !ok {
			return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput,
				fmt.Sprintf("unknown parent role %q", p))
		}
		parentIdx = append(parentIdx, idx)
	}

	action := "role.define"
	if selfIdx, exists := a.roleIndex[name]; exists {
		if a.reachesLocked(parentIdx, selfIdx) {
			return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput,
				"parent set would introduce a cycle")
		}
		a.nodes[selfIdx] = roleNode{name: name, permissions: permSet, inheritable: inheritable, parents: parentIdx}
		action = "role.redefine"
	} else {
		a.nodes = append(a.nodes, roleNode{name: name, permissions: permSet, inheritable: inheritable, parents: parentIdx})
		a.roleIndex[name] = len(a.nodes) - 1
	}
	a.audit.append(action, actor, name, a.now().UTC())
	return nil
}

// AssignRole grants a role to a user, permanently or until opts.ExpiresAt.
// Non-inheritable roles are only assignable through the admin path; they may
// still serve as parents of other roles.
func (a *Authority) AssignRole(userID, role string, opts AssignOptions) error {
	userID = strings.TrimSpace(userID)
	role = strings.TrimSpace(role)
	if userID == "" || role == "" {
		return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "user id and role are required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.roleIndex[role]
	if !ok {
		return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, fmt.Sprintf("unknown role %q", role))
	}
	if !a.nodes[idx].inheritable && !opts.AdminPath {
		return autherr.New(autherr.KindAuthorization, autherr.CodeForbidden,
			fmt.Sprintf("role %q requires the admin assignment path", role))
	}

	now := a.now().UTC()
	if !opts.ExpiresAt.IsZero() {
		if err := a.checkHorizonLocked(opts.ExpiresAt, now); err != nil {
			return err
		}
		a.addTempLocked(TemporaryAssignment{
			ID: ids.NewAt(now), Kind: GrantRole, Target: role, UserID: userID, ExpiresAt: opts.ExpiresAt,
		})
		a.audit.append("role.assign_temporary", opts.Actor, userID+":"+role, now)
		return nil
	}

	if a.userRoles[userID] == nil {
		a.userRoles[userID] = make(map[string]struct{})
	}
	a.userRoles[userID][role] = struct{}{}
	a.audit.append("role.assign", opts.Actor, userID+":"+role, now)
	return nil
}

// RevokeRole removes permanent and temporary grants of the role.
func (a *Authority) RevokeRole(userID, role, actor string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.userRoles[userID], role)
	for id, ta := range a.temp[userID] {
		if ta.Kind == GrantRole && ta.Target == role {
			delete(a.temp[userID], id)
		}
	}
	a.audit.append("role.revoke", actor, userID+":"+role, a.now().UTC())
	return nil
}

// GrantDirectPermission grants a permission directly, permanently or until
// opts.ExpiresAt.
func (a *Authority) GrantDirectPermission(userID, perm string, opts AssignOptions) error {
	userID = strings.TrimSpace(userID)
	perm = strings.TrimSpace(perm)
	if userID == "" || perm == "" {
		return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "user id and permission are required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.permissions[perm]; !ok {
		return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, fmt.Sprintf("unknown permission %q", perm))
	}

	now := a.now().UTC()
	if !opts.ExpiresAt.IsZero() {
		if err := a.checkHorizonLocked(opts.ExpiresAt, now); err != nil {
			return err
		}
		a.addTempLocked(TemporaryAssignment{
			ID: ids.NewAt(now), Kind: GrantPermission, Target: perm, UserID: userID, ExpiresAt: opts.ExpiresAt,
		})
		a.audit.append("permission.grant_temporary", opts.Actor, userID+":"+perm, now)
		return nil
	}

	if a.userPerms[userID] == nil {
		a.userPerms[userID] = make(map[string]struct{})
	}
	a.userPerms[userID][perm] = struct{}{}
	a.audit.append("permission.grant", opts.Actor, userID+":"+perm, now)
	return nil
}

// RevokeDirectPermission removes permanent and temporary direct grants.
func (a *Authority) RevokeDirectPermission(userID, perm, actor string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.userPerms[userID], perm)
	for id, ta := range a.temp[userID] {
		if ta.Kind == GrantPermission && ta.Target == perm {
			delete(a.temp[userID], id)
		}
	}
	a.audit.append("permission.revoke", actor, userID+":"+perm, a.now().UTC())
	return nil
}

// HasRole reports whether the user currently holds the role, permanently or
// through an unexpired temporary grant.
func (a *Authority) HasRole(userID, role string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holdsRoleLocked(userID, role, a.now().UTC())
}

// HasPermission reports whether the permission is directly granted or
// reachable through any assigned role and its ancestors, traversing the
// parent relation at most maxDepth levels.
func (a *Authority) HasPermission(userID, perm string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	if _, ok := a.userPerms[userID][perm]; ok {
		return true
	}
	for _, ta := range a.temp[userID] {
		if ta.Kind == GrantPermission && ta.Target == perm && now.Before(ta.ExpiresAt) {
			return true
		}
	}
	for _, role := range a.assignedRolesLocked(userID, now) {
		if idx, ok := a.roleIndex[role]; ok && a.roleGrantsLocked(idx, perm) {
			return true
		}
	}
	return false
}

// Snapshot resolves the user's current roles and the full permission set they
// imply, for embedding into sessions and tokens.
func (a *Authority) Snapshot(userID string) (roles, permissions []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	roles = a.assignedRolesLocked(userID, now)

	permSet := make(map[string]struct{})
	for p := range a.userPerms[userID] {
		permSet[p] = struct{}{}
	}
	for _, ta := range a.temp[userID] {
		if ta.Kind == GrantPermission && now.Before(ta.ExpiresAt) {
			permSet[ta.Target] = struct{}{}
		}
	}
	for _, role := range roles {
		if idx, ok := a.roleIndex[role]; ok {
			a.collectPermissionsLocked(idx, permSet)
		}
	}

	permissions = make([]string, 0, len(permSet))
	for p := range permSet {
		permissions = append(permissions, p)
	}
	sort.Strings(roles)
	sort.Strings(permissions)
	return roles, permissions
}

// UsersWithRole returns users currently holding the role.
func (a *Authority) UsersWithRole(role string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now().UTC()
	seen := make(map[string]struct{})
	for user, set := range a.userRoles {
		if _, ok := set[role]; ok {
			seen[user] = struct{}{}
		}
	}
	for user, ledger := range a.temp {
		for _, ta := range ledger {
			if ta.Kind == GrantRole && ta.Target == role && now.Before(ta.ExpiresAt) {
				seen[user] = struct{}{}
			}
		}
	}
	return sortedKeys(seen)
}

// UsersWithPermission returns users for whom HasPermission holds.
func (a *Authority) UsersWithPermission(perm string) []string {
	a.mu.Lock()
	users := make(map[string]struct{})
	for u := range a.userRoles {
		users[u] = struct{}{}
	}
	for u := range a.userPerms {
		users[u] = struct{}{}
	}
	for u := range a.temp {
		users[u] = struct{}{}
	}
	a.mu.Unlock()

	out := make([]string, 0)
	for _, u := range sortedKeys(users) {
		if a.HasPermission(u, perm) {
			out = append(out, u)
		}
	}
	return out
}

// TemporaryGrants lists the user's unexpired temporary assignments.
func (a *Authority) TemporaryGrants(userID string) []TemporaryAssignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now().UTC()
	out := make([]TemporaryAssignment, 0, len(a.temp[userID]))
	for _, ta := range a.temp[userID] {
		if now.Before(ta.ExpiresAt) {
			out = append(out, ta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AuditTrail returns up to n audit entries, newest first.
func (a *Authority) AuditTrail(n int) []AuditEntry {
	return a.audit.tail(n)
}

// Sweep auto-revokes expired temporary assignments. Each removal is audited
// and published; one bad entry never aborts the sweep.
func (a *Authority) Sweep(now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for user, ledger := range a.temp {
		expired := make([]string, 0)
		for id, ta := range ledger {
			if !now.Before(ta.ExpiresAt) {
				expired = append(expired, id)
			}
		}
		for _, id := range expired {
			ta := ledger[id]
			delete(ledger, id)
			a.audit.append("grant.expired", "sweep", user+":"+ta.Target, now)
			if a.bus != nil {
				a.bus.Publish(stream.Event{
					Type:   stream.EventGrantExpired,
					UserID: user,
					Fields: map[string]string{"kind": string(ta.Kind), "target": ta.Target},
				})
			}
		}
		if len(ledger) == 0 {
			delete(a.temp, user)
		}
	}
	return nil
}

func (a *Authority) checkHorizonLocked(expiresAt, now time.Time) error {
	if !expiresAt.After(now) {
		return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "expiry must be future-dated")
	}
	if expiresAt.After(now.Add(a.maxHorizon)) {
		return autherr.New(autherr.KindValidation, autherr.CodeInvalidInput, "expiry exceeds the maximum horizon")
	}
	return nil
}

func (a *Authority) addTempLocked(ta TemporaryAssignment) {
	if a.temp[ta.UserID] == nil {
		a.temp[ta.UserID] = make(map[string]TemporaryAssignment)
	}
	a.temp[ta.UserID][ta.ID] = ta
}

func (a *Authority) holdsRoleLocked(userID, role string, now time.Time) bool {
	if _, ok := a.userRoles[userID][role]; ok {
		return true
	}
	for _, ta := range a.temp[userID] {
		if ta.Kind == GrantRole && ta.Target == role && now.Before(ta.ExpiresAt) {
			return true
		}
	}
	return false
}

func (a *Authority) assignedRolesLocked(userID string, now time.Time) []string {
	seen := make(map[string]struct{})
	for r := range a.userRoles[userID] {
		seen[r] = struct{}{}
	}
	for _, ta := range a.temp[userID] {
		if ta.Kind == GrantRole && now.Before(ta.ExpiresAt) {
			seen[ta.Target] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// roleGrantsLocked walks the role and its ancestors, depth-bounded as a
// defensive backstop on top of the construction-time acyclicity guarantee.
func (a *Authority) roleGrantsLocked(idx int, perm string) bool {
	frontier := []int{idx}
	visited := make(map[int]struct{})
	for depth := 0; depth <= a.maxDepth && len(frontier) > 0; depth++ {
		next := frontier[:0:0]
		for _, i := range frontier {
			if _, ok := visited[i]; ok {
				continue
			}
			visited[i] = struct{}{}
			if _, ok := a.nodes[i].permissions[perm]; ok {
				return true
			}
			next = append(next, a.nodes[i].parents...)
		}
		frontier = next
	}
	return false
}

func (a *Authority) collectPermissionsLocked(idx int, into map[string]struct{}) {
	frontier := []int{idx}
	visited := make(map[int]struct{})
	for depth := 0; depth <= a.maxDepth && len(frontier) > 0; depth++ {
		next := frontier[:0:0]
		for _, i := range frontier {
			if _, ok := visited[i]; ok {
				continue
			}
			visited[i] = struct{}{}
			for p := range a.nodes[i].permissions {
				into[p] = struct{}{}
			}
			next = append(next, a.nodes[i].parents...)
		}
		frontier = next
	}
}

// reachesLocked reports whether target is reachable from any of the start
// nodes via the parent relation.
func (a *Authority) reachesLocked(start []int, target int) bool {
	frontier := append([]int(nil), start...)
	visited := make(map[int]struct{})
	for len(frontier) > 0 {
		i := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if i == target {
			return true
		}
		if _, ok := visited[i]; ok {
			continue
		}
		visited[i] = struct{}{}
		frontier = append(frontier, a.nodes[i].parents...)
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
