package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/auth"
	"retailgate.in/internal/secerr"
)

func newTestGuard(opts ...Option) (*Guard, *MemoryStore, *audit.MemoryStore) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	auditStore := audit.NewMemoryStore()
	store := NewMemoryStore()
	base := []Option{WithAudit(audit.NewChain(auditStore, clk)), WithClock(clk)}
	return NewGuard(store, append(base, opts...)...), store, auditStore
}

func seed(t *testing.T, store *MemoryStore, tenant, user string, roles ...Role) {
	t.Helper()
	for _, r := range roles {
		if _, _, err := store.UpsertAssignment(context.Background(), Assignment{TenantID: tenant, UserID: user, Role: r}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestEffectivePermissionsIsUnion(t *testing.T) {
	cat := DefaultCatalog()
	cashier := EffectivePermissions([]Role{RoleCashier}, cat)
	support := EffectivePermissions([]Role{RoleSupport}, cat)
	both := EffectivePermissions([]Role{RoleCashier, RoleSupport}, cat)

	want := map[Permission]bool{}
	for _, p := range cashier {
		want[p] = true
	}
	for _, p := range support {
		want[p] = true
	}
	if len(both) != len(want) {
		t.Fatalf("expected %d permissions, got %v", len(want), both)
	}
	for _, p := range both {
		if !want[p] {
			t.Fatalf("unexpected permission %s", p)
		}
	}
}

func TestAddingRoleNeverRemovesPermission(t *testing.T) {
	cat := DefaultCatalog()
	roles := []Role{RoleCashier, RolePharmacist, RoleManager, RoleSupport, RoleAdmin, RoleOwner}
	var held []Role
	prev := map[Permission]bool{}
	for _, r := range roles {
		held = append(held, r)
		now := map[Permission]bool{}
		for _, p := range EffectivePermissions(held, cat) {
			now[p] = true
		}
		for p := range prev {
			if !now[p] {
				t.Fatalf("adding %s removed %s", r, p)
			}
		}
		prev = now
	}
}

func TestCatalogShape(t *testing.T) {
	cat := DefaultCatalog()
	if got := len(EffectivePermissions([]Role{RoleOwner}, cat)); got != len(AllPermissions) {
		t.Fatalf("owner must hold every permission, got %d", got)
	}
	admin := EffectivePermissions([]Role{RoleAdmin}, cat)
	for _, p := range admin {
		if p == PermSupportAccess || p == PermManageBilling {
			t.Fatalf("admin must not hold %s", p)
		}
	}
	for _, p := range EffectivePermissions([]Role{RoleSupport}, cat) {
		if p != PermViewProducts && p != PermViewReports && p != PermViewAudit {
			t.Fatalf("support role must be read-only, has %s", p)
		}
	}
	if r, ok := cat.ParseRole(" cashier "); !ok || r != RoleCashier {
		t.Fatalf("ParseRole failed: %s %v", r, ok)
	}
}

func TestCashierDeniedApproveActions(t *testing.T) {
	guard, store, _ := newTestGuard()
	seed(t, store, "t1", "cashier-1", RoleCashier)

	err := guard.RequirePermission(context.Background(), "t1", "cashier-1", PermApproveActions)
	if !errors.Is(err, secerr.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	e, _ := secerr.As(err)
	if e.Detail["permission"] != string(PermApproveActions) {
		t.Fatalf("detail must name the missing permission: %+v", e.Detail)
	}
	if guard.HasPermission(context.Background(), "t1", "cashier-1", PermApproveActions) {
		t.Fatalf("HasPermission must agree with RequirePermission")
	}
	if err := guard.RequirePermission(context.Background(), "t1", "cashier-1", PermPOSCheckout); err != nil {
		t.Fatalf("cashier should checkout: %v", err)
	}
}

func TestRequireRole(t *testing.T) {
	guard, store, _ := newTestGuard()
	seed(t, store, "t1", "m1", RoleManager)
	if err := guard.RequireRole(context.Background(), "t1", "m1", RoleManager); err != nil {
		t.Fatalf("RequireRole: %v", err)
	}
	if err := guard.RequireRole(context.Background(), "t1", "m1", RoleOwner); !errors.Is(err, secerr.ErrRoleRequired) {
		t.Fatalf("expected RoleRequired, got %v", err)
	}
	if guard.HasRole(context.Background(), "t2", "m1", RoleManager) {
		t.Fatalf("assignments must not cross tenants")
	}
}

func TestNoBootstrapFailsClosed(t *testing.T) {
	guard, _, _ := newTestGuard()
	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{TenantID: "t1", UserID: "new", AssertedRole: "owner"})
	grants, err := guard.GetUserPermissions(ctx, "t1", "new")
	if err != nil {
		t.Fatalf("GetUserPermissions: %v", err)
	}
	if len(grants.Permissions) != 0 || grants.Source != SourceNone {
		t.Fatalf("expected no grants, got %+v", grants)
	}
}

func TestBootstrapForCallOnly(t *testing.T) {
	guard, store, _ := newTestGuard(WithBootstrap(DefaultRoleBootstrap{}))
	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{TenantID: "t1", UserID: "new", AssertedRole: "Owner"})
	grants, err := guard.GetUserPermissions(ctx, "t1", "new")
	if err != nil {
		t.Fatalf("GetUserPermissions: %v", err)
	}
	if grants.Source != SourceBootstrap || !grants.HasRole(RoleOwner) {
		t.Fatalf("expected bootstrapped owner, got %+v", grants)
	}
	roles, _ := store.RolesForUser(context.Background(), "t1", "new")
	if len(roles) != 0 {
		t.Fatalf("non-persisting bootstrap stored %v", roles)
	}
}

func TestBootstrapPersists(t *testing.T) {
	guard, store, auditStore := newTestGuard(WithBootstrap(DefaultRoleBootstrap{Persist: true}))
	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{TenantID: "t1", UserID: "new", AssertedRole: "cashier"})
	if _, err := guard.GetUserPermissions(ctx, "t1", "new"); err != nil {
		t.Fatalf("GetUserPermissions: %v", err)
	}
	roles, _ := store.RolesForUser(context.Background(), "t1", "new")
	if len(roles) != 1 || roles[0] != RoleCashier {
		t.Fatalf("expected persisted cashier, got %v", roles)
	}
	grants, _ := guard.GetUserPermissions(context.Background(), "t1", "new")
	if grants.Source != SourceAssigned {
		t.Fatalf("second call must not re-bootstrap, got %s", grants.Source)
	}
	entries, _ := auditStore.List(context.Background(), "t1", audit.Filter{Action: ActionRoleAssigned})
	if len(entries) != 1 || entries[0].ActorUserID != "" {
		t.Fatalf("expected one system ROLE_ASSIGNED entry, got %+v", entries)
	}
}

func TestBootstrapIgnoresIdentityOfOtherUser(t *testing.T) {
	guard, _, _ := newTestGuard(WithBootstrap(DefaultRoleBootstrap{}))
	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{TenantID: "t1", UserID: "caller", AssertedRole: "owner"})
	grants, _ := guard.GetUserPermissions(ctx, "t1", "someone-else")
	if len(grants.Permissions) != 0 {
		t.Fatalf("asserted role must only bootstrap its own identity, got %+v", grants)
	}
}

type fakeSupport struct{ users map[string]bool }

func (f fakeSupport) IsSupportUser(_ context.Context, tenantID, userID string) (bool, error) {
	return f.users[tenantID+"/"+userID], nil
}

func TestSupportUserGetsReadOnlyRole(t *testing.T) {
	guard, store, _ := newTestGuard(WithBootstrap(DefaultRoleBootstrap{}))
	guard.SetSupportGrants(fakeSupport{users: map[string]bool{"t1/sup": true}})
	seed(t, store, "t1", "owner", RoleOwner)

	grants, err := guard.GetUserPermissions(context.Background(), "t1", "sup")
	if err != nil {
		t.Fatalf("GetUserPermissions: %v", err)
	}
	if grants.Source != SourceSupport || !grants.HasPermission(PermViewAudit) {
		t.Fatalf("expected support grants, got %+v", grants)
	}
	if grants.HasPermission(PermProcessRefund) {
		t.Fatalf("support must not write")
	}
	if guard.HasPermission(context.Background(), "t2", "sup", PermViewAudit) {
		t.Fatalf("support grant must be tenant-scoped")
	}
}

func TestAssignAndRevokeRole(t *testing.T) {
	guard, store, auditStore := newTestGuard()
	ctx := context.Background()
	seed(t, store, "t1", "admin", RoleAdmin)

	if _, err := guard.AssignRole(ctx, "t1", "admin", "u2", RoleCashier); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if _, err := guard.AssignRole(ctx, "t1", "admin", "u2", RoleCashier); err != nil {
		t.Fatalf("repeat AssignRole must be idempotent: %v", err)
	}
	list, _ := guard.ListAssignments(ctx, "t1", "u2")
	if len(list) != 1 || list[0].AssignedBy != "admin" {
		t.Fatalf("unexpected assignments: %+v", list)
	}
	if err := guard.RevokeRole(ctx, "t1", "admin", "u2", RoleCashier); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if err := guard.RevokeRole(ctx, "t1", "admin", "u2", RoleCashier); !errors.Is(err, secerr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	assigned, _ := auditStore.List(ctx, "t1", audit.Filter{Action: ActionRoleAssigned})
	revoked, _ := auditStore.List(ctx, "t1", audit.Filter{Action: ActionRoleRevoked})
	if len(assigned) != 1 || len(revoked) != 1 {
		t.Fatalf("expected one assign and one revoke entry, got %d/%d", len(assigned), len(revoked))
	}
}

func TestAssignRoleRequiresUserManage(t *testing.T) {
	guard, store, _ := newTestGuard()
	seed(t, store, "t1", "cashier", RoleCashier)
	_, err := guard.AssignRole(context.Background(), "t1", "cashier", "cashier", RoleOwner)
	if !errors.Is(err, secerr.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if _, err := guard.AssignRole(context.Background(), "t1", "cashier", "x", Role("GOD")); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("expected invalid role, got %v", err)
	}
}

func TestAssignRoleCannotExceedActorGrants(t *testing.T) {
	guard, store, auditStore := newTestGuard()
	ctx := context.Background()
	seed(t, store, "t1", "admin", RoleAdmin)
	seed(t, store, "t1", "owner", RoleOwner)

	_, err := guard.AssignRole(ctx, "t1", "admin", "admin", RoleOwner)
	if !errors.Is(err, secerr.ErrPermissionDenied) {
		t.Fatalf("admin must not grant itself OWNER, got %v", err)
	}
	var se *secerr.Error
	if !errors.As(err, &se) || (se.Detail["permission"] != string(PermSupportAccess) && se.Detail["permission"] != string(PermManageBilling)) {
		t.Fatalf("expected the withheld permission in detail, got %v", err)
	}
	if guard.HasPermission(ctx, "t1", "admin", PermSupportAccess) || guard.HasPermission(ctx, "t1", "admin", PermManageBilling) {
		t.Fatalf("admin gained owner-only permissions")
	}
	if _, err := guard.AssignRole(ctx, "t1", "admin", "u2", RoleSupport); err != nil {
		t.Fatalf("admin holds every SUPPORT permission and may assign it: %v", err)
	}
	if _, err := guard.AssignRole(ctx, "t1", "owner", "admin", RoleOwner); err != nil {
		t.Fatalf("owner may assign OWNER: %v", err)
	}
	assigned, _ := auditStore.List(ctx, "t1", audit.Filter{Action: ActionRoleAssigned})
	if len(assigned) != 2 {
		t.Fatalf("expected two assignment entries, got %d", len(assigned))
	}
}

func TestRevokeRoleCannotExceedActorGrants(t *testing.T) {
	guard, store, _ := newTestGuard()
	ctx := context.Background()
	seed(t, store, "t1", "admin", RoleAdmin)
	seed(t, store, "t1", "owner", RoleOwner)

	if err := guard.RevokeRole(ctx, "t1", "admin", "owner", RoleOwner); !errors.Is(err, secerr.ErrPermissionDenied) {
		t.Fatalf("admin must not strip OWNER, got %v", err)
	}
	if !guard.HasRole(ctx, "t1", "owner", RoleOwner) {
		t.Fatalf("owner lost its role")
	}
}

type failingAppender struct {
	next audit.Appender
	fail string
}

func (f failingAppender) Append(ctx context.Context, tenantID, actorUserID, action string, meta any) (string, error) {
	if action == f.fail {
		return "", errors.New("audit down")
	}
	return f.next.Append(ctx, tenantID, actorUserID, action, meta)
}

func TestAssignRoleWithdrawnWhenAuditFails(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	chain := audit.NewChain(audit.NewMemoryStore(), clk)
	guard, store, _ := newTestGuard(WithAudit(failingAppender{next: chain, fail: ActionRoleAssigned}))
	ctx := context.Background()
	seed(t, store, "t1", "admin", RoleAdmin)

	_, err := guard.AssignRole(ctx, "t1", "admin", "u2", RoleManager)
	if !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE, got %v", err)
	}
	if guard.HasRole(ctx, "t1", "u2", RoleManager) {
		t.Fatalf("unaudited assignment must not stay in force")
	}
}

func TestRevokeRoleKeptWhenAuditFails(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	chain := audit.NewChain(audit.NewMemoryStore(), clk)
	guard, store, _ := newTestGuard(WithAudit(failingAppender{next: chain, fail: ActionRoleRevoked}))
	ctx := context.Background()
	seed(t, store, "t1", "admin", RoleAdmin)
	seed(t, store, "t1", "u2", RoleCashier)

	if err := guard.RevokeRole(ctx, "t1", "admin", "u2", RoleCashier); !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE, got %v", err)
	}
	if !guard.HasRole(ctx, "t1", "u2", RoleCashier) {
		t.Fatalf("revocation must not happen without its entry")
	}
}
