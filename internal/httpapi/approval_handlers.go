package httpapi

import (
	"net/http"
	"strings"

	"retailgate.in/internal/approval"
	"retailgate.in/internal/auth"
	"retailgate.in/internal/ids"
	"retailgate.in/internal/rbac"
	"retailgate.in/internal/secerr"
)

type createActionRequest struct {
	ActionType string         `json:"action_type"`
	Amount     *int64         `json:"amount,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// makerPermission is what the initiating user must hold for thresholded types.
var makerPermission = map[string]rbac.Permission{
	approval.TypeRefund:   rbac.PermProcessRefund,
	approval.TypeDiscount: rbac.PermApplyDiscount,
}

func (a *API) handleApprovalsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listActions(w, r)
	case http.MethodPost:
		a.submitAction(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// submitAction is the maker side. Below the threshold the caller proceeds on
// its own; above it the action is queued and 202 APPROVAL_REQUIRED is returned.
func (a *API) submitAction(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	actionType := strings.ToUpper(strings.TrimSpace(req.ActionType))
	if actionType == "" {
		badRequest(w, r, "action_type is required")
		return
	}
	if req.Amount != nil && *req.Amount < 0 {
		badRequest(w, r, "amount must not be negative")
		return
	}

	var (
		id auth.Identity
		ok bool
	)
	if perm, gated := makerPermission[actionType]; gated {
		id, ok = a.authorize(w, r, perm)
	} else {
		id, ok = caller(w, r)
	}
	if !ok {
		return
	}

	needed, err := a.plane.Approvals.RequiresApproval(r.Context(), id.TenantID, actionType, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !needed {
		writeJSON(w, http.StatusOK, map[string]any{"requires_approval": false})
		return
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if req.Amount != nil {
		payload["amount"] = *req.Amount
	}
	action, err := a.plane.Approvals.CreatePendingAction(r.Context(), id.TenantID, approval.CreateRequest{
		ActionType: actionType,
		Payload:    payload,
		CreatedBy:  id.UserID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	e := secerr.ApprovalRequired(action.ID)
	body := map[string]any{
		"requires_approval": true,
		"error":             errorBody{Code: string(e.Code), Message: e.Message, Detail: e.Detail},
		"action":            action,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		body["request_id"] = rid
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (a *API) listActions(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, rbac.PermApproveActions)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		badRequest(w, r, "limit must be between 1 and 1000")
		return
	}
	f := approval.Filter{
		ActionType: strings.ToUpper(q.Get("action_type")),
		CreatedBy:  q.Get("created_by"),
		Limit:      limit,
	}
	if raw := q.Get("status"); raw != "" {
		f.Status = approval.Status(strings.ToUpper(raw))
		switch f.Status {
		case approval.StatusPending, approval.StatusApproved, approval.StatusRejected, approval.StatusExpired:
		default:
			badRequest(w, r, "unknown status")
			return
		}
	}
	actions, err := a.plane.Approvals.List(r.Context(), id.TenantID, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// handleApprovalResource serves /v1/approvals/{id}, /v1/approvals/{id}/approve
// and /v1/approvals/{id}/reject.
func (a *API) handleApprovalResource(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/approvals/"), "/"), "/")
	if parts[0] == "" || len(parts) > 2 {
		writeErrorBody(w, r, http.StatusNotFound, string(secerr.CodeNotFound), "resource not found", nil)
		return
	}
	actionID := parts[0]
	if !ids.Valid(actionID) {
		writeErrorBody(w, r, http.StatusNotFound, string(secerr.CodeNotFound), "pending action not found", nil)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		id, ok := a.authorize(w, r, rbac.PermApproveActions)
		if !ok {
			return
		}
		action, err := a.plane.Approvals.Get(r.Context(), id.TenantID, actionID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, action)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	switch parts[1] {
	case "approve":
		action, err := a.plane.Approvals.Approve(r.Context(), id.TenantID, actionID, id.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, action)
	case "reject":
		var req rejectRequest
		if err := decodeJSON(w, r, &req); err != nil {
			badRequest(w, r, err.Error())
			return
		}
		action, err := a.plane.Approvals.Reject(r.Context(), id.TenantID, actionID, id.UserID, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, action)
	default:
		writeErrorBody(w, r, http.StatusNotFound, string(secerr.CodeNotFound), "resource not found", nil)
	}
}
