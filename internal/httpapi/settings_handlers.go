package httpapi

import (
	"net/http"

	"retailgate.in/internal/rbac"
	"retailgate.in/internal/settings"
)

func (a *API) handleSecuritySettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		id, ok := a.authorize(w, r, rbac.PermManageSettings)
		if !ok {
			return
		}
		cfg, err := a.plane.Settings.Get(r.Context(), id.TenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut, http.MethodPatch:
		id, ok := caller(w, r)
		if !ok {
			return
		}
		var u settings.Update
		if err := decodeJSON(w, r, &u); err != nil {
			badRequest(w, r, err.Error())
			return
		}
		cfg, err := a.plane.Settings.Update(r.Context(), id.TenantID, id.UserID, u)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodPatch)
	}
}
