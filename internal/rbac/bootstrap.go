package rbac

import (
	"context"
	"strings"

	"retailgate.in/internal/auth"
)

// BootstrapDecision is the role granted to a user who holds no assignments yet.
type BootstrapDecision struct {
	Role    Role
	Persist bool
}

// BootstrapPolicy decides what, if anything, a user with zero assignments receives.
type BootstrapPolicy interface {
	Resolve(ctx context.Context, tenantID, userID string) (BootstrapDecision, bool)
}

// NoBootstrap fails closed: users without explicit assignments hold nothing.
type NoBootstrap struct{}

func (NoBootstrap) Resolve(context.Context, string, string) (BootstrapDecision, bool) {
	return BootstrapDecision{}, false
}

// DefaultRoleBootstrap maps the coarse role asserted by the identity layer onto a
// system role. With Persist set the assignment is stored so later calls skip bootstrap.
type DefaultRoleBootstrap struct {
	Mapping map[string]Role
	Persist bool
}

// DefaultRoleMapping maps asserted identity roles to system roles.
func DefaultRoleMapping() map[string]Role {
	return map[string]Role{
		"owner":      RoleOwner,
		"admin":      RoleAdmin,
		"manager":    RoleManager,
		"pharmacist": RolePharmacist,
		"cashier":    RoleCashier,
	}
}

func (b DefaultRoleBootstrap) Resolve(ctx context.Context, tenantID, userID string) (BootstrapDecision, bool) {
	asserted := strings.ToLower(strings.TrimSpace(auth.AssertedRoleFromContext(ctx, tenantID, userID)))
	if asserted == "" {
		return BootstrapDecision{}, false
	}
	mapping := b.Mapping
	if mapping == nil {
		mapping = DefaultRoleMapping()
	}
	role, ok := mapping[asserted]
	if !ok {
		return BootstrapDecision{}, false
	}
	return BootstrapDecision{Role: role, Persist: b.Persist}, true
}
