package httpapi

import (
	"net/http"
	"strings"

	"retailgate.in/internal/rbac"
)

type assignRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	grants, err := a.plane.Guard.GetUserPermissions(r.Context(), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

// handleUserRoles serves /v1/users/{id}/permissions, /v1/users/{id}/roles and
// /v1/users/{id}/roles/{role}.
func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" {
		writeErrorBody(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
		return
	}
	userID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "permissions":
		a.userPermissions(w, r, userID)
	case len(parts) == 2 && parts[1] == "roles":
		switch r.Method {
		case http.MethodGet:
			a.listUserRoles(w, r, userID)
		case http.MethodPost:
			a.assignRole(w, r, userID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case len(parts) == 3 && parts[1] == "roles":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeRole(w, r, userID, parts[2])
	default:
		writeErrorBody(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	}
}

func (a *API) userPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := a.authorize(w, r, rbac.PermUserManage)
	if !ok {
		return
	}
	grants, err := a.plane.Guard.GetUserPermissions(r.Context(), id.TenantID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (a *API) listUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := a.authorize(w, r, rbac.PermUserManage)
	if !ok {
		return
	}
	assignments, err := a.plane.Guard.ListAssignments(r.Context(), id.TenantID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request, userID string) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	role, ok := a.plane.Guard.Catalog().ParseRole(req.Role)
	if !ok {
		badRequest(w, r, "unknown role")
		return
	}
	assignment, err := a.plane.Guard.AssignRole(r.Context(), id.TenantID, id.UserID, userID, role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request, userID, rawRole string) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	role, ok := a.plane.Guard.Catalog().ParseRole(rawRole)
	if !ok {
		badRequest(w, r, "unknown role")
		return
	}
	if err := a.plane.Guard.RevokeRole(r.Context(), id.TenantID, id.UserID, userID, role); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
