package rbac

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/juju/clock"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/obs"
	"retailgate.in/internal/secerr"
)

// Grant sources.
const (
	SourceAssigned  = "assigned"
	SourceSupport   = "support"
	SourceBootstrap = "bootstrap"
	SourceNone      = "none"
)

// Audit actions emitted by the guard.
const (
	ActionRoleAssigned = "ROLE_ASSIGNED"
	ActionRoleRevoked  = "ROLE_REVOKED"
)

// Grants is a user's effective authorization within one tenant.
type Grants struct {
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
	Source      string       `json:"source"`
}

// HasPermission reports whether p is among the granted permissions.
func (g Grants) HasPermission(p Permission) bool {
	for _, have := range g.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// HasRole reports whether r is among the granted roles.
func (g Grants) HasRole(r Role) bool {
	for _, have := range g.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Authorizer is the require-or-fail surface consumed by the other components.
type Authorizer interface {
	RequirePermission(ctx context.Context, tenantID, userID string, p Permission) error
}

// SupportGrants reports whether userID is the bound support user of an active
// support session in tenantID.
type SupportGrants interface {
	IsSupportUser(ctx context.Context, tenantID, userID string) (bool, error)
}

// Guard computes effective permissions and enforces checks against them.
type Guard struct {
	store     Store
	catalog   Catalog
	bootstrap BootstrapPolicy
	support   SupportGrants
	audit     audit.Appender
	clock     clock.Clock
}

type Option func(*Guard)

func WithCatalog(c Catalog) Option { return func(g *Guard) { g.catalog = c } }

func WithBootstrap(p BootstrapPolicy) Option { return func(g *Guard) { g.bootstrap = p } }

func WithAudit(a audit.Appender) Option { return func(g *Guard) { g.audit = a } }

func WithClock(c clock.Clock) Option { return func(g *Guard) { g.clock = c } }

// NewGuard returns a guard over store. Without options it uses the default
// catalog and never bootstraps.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		catalog:   DefaultCatalog(),
		bootstrap: NoBootstrap{},
		clock:     clock.WallClock,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetSupportGrants installs the support-mode hook. It must be called before the
// guard serves requests.
func (g *Guard) SetSupportGrants(s SupportGrants) { g.support = s }

// Catalog returns the role catalog in use.
func (g *Guard) Catalog() Catalog { return g.catalog }

// GetUserPermissions returns the union of permissions reachable through the
// user's role assignments in the tenant.
func (g *Guard) GetUserPermissions(ctx context.Context, tenantID, userID string) (Grants, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return Grants{}, secerr.InvalidInput("tenant and user are required")
	}
	roles, err := g.store.RolesForUser(ctx, tenantID, userID)
	if err != nil {
		return Grants{}, err
	}
	if len(roles) > 0 {
		return g.grants(roles, SourceAssigned), nil
	}

	if g.support != nil {
		ok, err := g.support.IsSupportUser(ctx, tenantID, userID)
		if err != nil {
			return Grants{}, err
		}
		if ok {
			return g.grants([]Role{RoleSupport}, SourceSupport), nil
		}
	}

	decision, ok := g.bootstrap.Resolve(ctx, tenantID, userID)
	if !ok || !g.catalog.Has(decision.Role) || decision.Role == RoleSupport {
		return Grants{Roles: []Role{}, Permissions: []Permission{}, Source: SourceNone}, nil
	}
	if decision.Persist {
		g.persistBootstrap(ctx, tenantID, userID, decision.Role)
	}
	return g.grants([]Role{decision.Role}, SourceBootstrap), nil
}

func (g *Guard) grants(roles []Role, source string) Grants {
	return Grants{Roles: roles, Permissions: EffectivePermissions(roles, g.catalog), Source: source}
}

// persistBootstrap stores the bootstrapped role. Failures are logged and leave
// nothing stored; the grant for the current call stands either way.
func (g *Guard) persistBootstrap(ctx context.Context, tenantID, userID string, role Role) {
	a := Assignment{TenantID: tenantID, UserID: userID, Role: role, AssignedAt: g.clock.Now().UTC()}
	_, created, err := g.store.UpsertAssignment(ctx, a)
	if err != nil {
		obs.Warn("role bootstrap persist failed", map[string]any{
			"tenant_id": tenantID, "user_id": userID, "role": string(role), "error": err.Error(),
		})
		return
	}
	if !created || g.audit == nil {
		return
	}
	if err := audit.Record(ctx, g.audit, tenantID, "", ActionRoleAssigned, map[string]any{
		"user_id": userID,
		"role":    role,
		"source":  SourceBootstrap,
	}); err != nil {
		obs.Error("role bootstrap audit failed", map[string]any{
			"tenant_id": tenantID, "user_id": userID, "error": err.Error(),
		})
		g.withdraw(ctx, tenantID, userID, role)
	}
}

// RequirePermission fails with PERMISSION_DENIED unless the user holds p.
func (g *Guard) RequirePermission(ctx context.Context, tenantID, userID string, p Permission) error {
	grants, err := g.GetUserPermissions(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if grants.HasPermission(p) {
		return nil
	}
	return g.deny(tenantID, userID, secerr.PermissionDenied(string(p)))
}

// RequireRole fails with ROLE_REQUIRED unless the user holds r.
func (g *Guard) RequireRole(ctx context.Context, tenantID, userID string, r Role) error {
	grants, err := g.GetUserPermissions(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if grants.HasRole(r) {
		return nil
	}
	return g.deny(tenantID, userID, secerr.RoleRequired(string(r)))
}

func (g *Guard) deny(tenantID, userID string, err *secerr.Error) error {
	obs.AuthzDenied(string(err.Code))
	obs.Warn("authorization denied", map[string]any{
		"tenant_id": tenantID,
		"user_id":   userID,
		"code":      string(err.Code),
		"detail":    err.Detail,
	})
	return err
}

// HasPermission is the non-failing form of RequirePermission.
func (g *Guard) HasPermission(ctx context.Context, tenantID, userID string, p Permission) bool {
	grants, err := g.GetUserPermissions(ctx, tenantID, userID)
	return err == nil && grants.HasPermission(p)
}

// HasRole is the non-failing form of RequireRole.
func (g *Guard) HasRole(ctx context.Context, tenantID, userID string, r Role) bool {
	grants, err := g.GetUserPermissions(ctx, tenantID, userID)
	return err == nil && grants.HasRole(r)
}

// AssignRole grants role to userID. The actor needs USER_MANAGE and every
// permission the role carries; repeat assignment is a no-op that returns the
// stored row.
func (g *Guard) AssignRole(ctx context.Context, tenantID, actorID, userID string, role Role) (Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Assignment{}, secerr.InvalidInput("user is required")
	}
	if !g.catalog.Has(role) {
		return Assignment{}, secerr.InvalidInput("unknown role %q", role)
	}
	if err := g.requireDelegable(ctx, tenantID, actorID, role); err != nil {
		return Assignment{}, err
	}
	stored, created, err := g.store.UpsertAssignment(ctx, Assignment{
		TenantID:   tenantID,
		UserID:     userID,
		Role:       role,
		AssignedBy: actorID,
		AssignedAt: g.clock.Now().UTC(),
	})
	if err != nil {
		return Assignment{}, err
	}
	if created && g.audit != nil {
		if err := audit.Record(ctx, g.audit, tenantID, actorID, ActionRoleAssigned, map[string]any{
			"user_id": userID,
			"role":    role,
			"source":  SourceAssigned,
		}); err != nil {
			g.withdraw(ctx, tenantID, userID, role)
			return Assignment{}, err
		}
	}
	return stored, nil
}

// RevokeRole removes role from userID. The actor needs USER_MANAGE and every
// permission the role carries.
func (g *Guard) RevokeRole(ctx context.Context, tenantID, actorID, userID string, role Role) error {
	if err := g.requireDelegable(ctx, tenantID, actorID, role); err != nil {
		return err
	}
	roles, err := g.store.RolesForUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !slices.Contains(roles, role) {
		return secerr.NotFound("role assignment")
	}
	if g.audit != nil {
		if err := audit.Record(ctx, g.audit, tenantID, actorID, ActionRoleRevoked, map[string]any{
			"user_id": userID,
			"role":    role,
		}); err != nil {
			return err
		}
	}
	if err := g.store.DeleteAssignment(ctx, tenantID, userID, role); err != nil {
		if errors.Is(err, ErrNotFound) {
			return secerr.NotFound("role assignment")
		}
		return err
	}
	return nil
}

// requireDelegable keeps assignment management from widening anyone's access
// beyond the actor's own.
func (g *Guard) requireDelegable(ctx context.Context, tenantID, actorID string, role Role) error {
	actor, err := g.GetUserPermissions(ctx, tenantID, actorID)
	if err != nil {
		return err
	}
	if !actor.HasPermission(PermUserManage) {
		return g.deny(tenantID, actorID, secerr.PermissionDenied(string(PermUserManage)))
	}
	for _, p := range EffectivePermissions([]Role{role}, g.catalog) {
		if !actor.HasPermission(p) {
			return g.deny(tenantID, actorID, secerr.PermissionDenied(string(p)))
		}
	}
	return nil
}

// withdraw removes an assignment whose audit entry could not be written.
func (g *Guard) withdraw(ctx context.Context, tenantID, userID string, role Role) {
	if err := g.store.DeleteAssignment(context.WithoutCancel(ctx), tenantID, userID, role); err != nil {
		obs.Error("role assignment withdraw failed", map[string]any{
			"tenant_id": tenantID, "user_id": userID, "role": string(role), "error": err.Error(),
		})
	}
}

// ListAssignments lists the tenant's assignments, optionally for one user.
func (g *Guard) ListAssignments(ctx context.Context, tenantID, userID string) ([]Assignment, error) {
	out, err := g.store.ListAssignments(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Assignment{}
	}
	return out, nil
}
