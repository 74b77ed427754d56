// Package rbac resolves a user's roles and permissions within a tenant and
// enforces require-or-fail checks on them.
package rbac

import (
	"sort"
	"strings"
)

// Permission is an atomic capability name.
type Permission string

// Role is a named bundle of permissions.
type Role string

const (
	PermPOSCheckout    Permission = "POS_CHECKOUT"
	PermProcessRefund  Permission = "PROCESS_REFUND"
	PermApplyDiscount  Permission = "APPLY_DISCOUNT"
	PermViewProducts   Permission = "VIEW_PRODUCTS"
	PermManageProducts Permission = "MANAGE_PRODUCTS"
	PermViewReports    Permission = "VIEW_REPORTS"
	PermExportData     Permission = "EXPORT_DATA"
	PermApproveActions Permission = "APPROVE_ACTIONS"
	PermUserManage     Permission = "USER_MANAGE"
	PermSupportAccess  Permission = "SUPPORT_ACCESS"
	PermViewAudit      Permission = "VIEW_AUDIT"
	PermManageSettings Permission = "MANAGE_SETTINGS"
	PermManageBilling  Permission = "MANAGE_BILLING"
)

const (
	RoleOwner      Role = "OWNER"
	RoleAdmin      Role = "ADMIN"
	RoleManager    Role = "MANAGER"
	RolePharmacist Role = "PHARMACIST"
	RoleCashier    Role = "CASHIER"
	RoleSupport    Role = "SUPPORT"
)

// AllPermissions lists the permission catalog in declaration order.
var AllPermissions = []Permission{
	PermPOSCheckout, PermProcessRefund, PermApplyDiscount, PermViewProducts,
	PermManageProducts, PermViewReports, PermExportData, PermApproveActions,
	PermUserManage, PermSupportAccess, PermViewAudit, PermManageSettings,
	PermManageBilling,
}

// Catalog maps each role to the permissions it grants. It is static configuration.
type Catalog map[Role][]Permission

// DefaultCatalog returns the built-in role definitions.
func DefaultCatalog() Catalog {
	adminPerms := make([]Permission, 0, len(AllPermissions))
	for _, p := range AllPermissions {
		if p == PermSupportAccess || p == PermManageBilling {
			continue
		}
		adminPerms = append(adminPerms, p)
	}
	owner := make([]Permission, len(AllPermissions))
	copy(owner, AllPermissions)

	return Catalog{
		RoleOwner: owner,
		RoleAdmin: adminPerms,
		RoleManager: {
			PermPOSCheckout, PermProcessRefund, PermApplyDiscount, PermViewProducts,
			PermManageProducts, PermViewReports, PermExportData, PermApproveActions,
			PermViewAudit,
		},
		RolePharmacist: {
			PermPOSCheckout, PermProcessRefund, PermApplyDiscount, PermViewProducts,
			PermManageProducts, PermViewReports,
		},
		RoleCashier: {
			PermPOSCheckout, PermViewProducts,
		},
		// Support identities are read-only; writes go through the approval queue.
		RoleSupport: {
			PermViewProducts, PermViewReports, PermViewAudit,
		},
	}
}

// Has reports whether role is defined.
func (c Catalog) Has(role Role) bool {
	_, ok := c[role]
	return ok
}

// ParseRole normalizes s and checks it against the catalog.
func (c Catalog) ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, c.Has(r)
}

// EffectivePermissions returns the sorted union of the permissions granted by roles.
// Unknown roles contribute nothing.
func EffectivePermissions(roles []Role, catalog Catalog) []Permission {
	set := make(map[Permission]struct{})
	for _, r := range roles {
		for _, p := range catalog[r] {
			set[p] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
