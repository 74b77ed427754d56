package httpapi

import (
	"net/http"
	"strings"

	"retailgate.in/internal/rbac"
	"retailgate.in/internal/support"
)

type enableSupportRequest struct {
	Scope           string `json:"scope,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	SupportUserID   string `json:"support_user_id"`
}

type supportActionRequest struct {
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func (a *API) handleSupportStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	st, err := a.plane.Support.IsActive(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleSupportEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req enableSupportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	sess, err := a.plane.Support.Enable(r.Context(), id.TenantID, id.UserID, support.EnableOptions{
		Scope:           support.Scope(strings.ToUpper(strings.TrimSpace(req.Scope))),
		DurationMinutes: req.DurationMinutes,
		SupportUserID:   req.SupportUserID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleSupportRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	sess, err := a.plane.Support.Revoke(r.Context(), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleSupportHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := a.authorize(w, r, rbac.PermSupportAccess)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		badRequest(w, r, "limit must be between 1 and 500")
		return
	}
	sessions, err := a.plane.Support.History(r.Context(), id.TenantID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleSupportActions queues a write requested by the bound support user.
// The action lands in the approval queue and is never executed here.
func (a *API) handleSupportActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req supportActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	action, err := a.plane.Support.RequestAction(r.Context(), id.TenantID, id.UserID, req.ActionType, req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}
