package httpapi

import (
	"net/http"

	"retailgate.in/internal/export"
	"retailgate.in/internal/rbac"
)

type createExportRequest struct {
	ExportType string `json:"export_type"`
}

func (a *API) handleExports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createExport(w, r)
	case http.MethodGet:
		a.listExports(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createExport(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req createExportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	res, err := a.plane.Exports.CreateExport(r.Context(), id.TenantID, id.UserID, req.ExportType, requestContext(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) listExports(w http.ResponseWriter, r *http.Request) {
	id, ok := a.authorize(w, r, rbac.PermViewAudit)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		badRequest(w, r, "limit must be between 1 and 1000")
		return
	}
	since, err := parseTime(q.Get("since"))
	if err != nil {
		badRequest(w, r, "since must be RFC3339")
		return
	}
	records, err := a.plane.Exports.List(r.Context(), id.TenantID, export.Filter{
		UserID: q.Get("user_id"),
		Since:  since,
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": records})
}
