package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/rbac"
)

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
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
	until, err := parseTime(q.Get("until"))
	if err != nil {
		badRequest(w, r, "until must be RFC3339")
		return
	}
	var afterSeq int64
	if raw := q.Get("after_seq"); raw != "" {
		afterSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || afterSeq < 0 {
			badRequest(w, r, "after_seq must be a non-negative integer")
			return
		}
	}

	page, err := a.plane.Audit.Query(r.Context(), id.TenantID, audit.Filter{
		Action:      q.Get("action"),
		ActorUserID: q.Get("actor"),
		Since:       since,
		Until:       until,
		AfterSeq:    afterSeq,
		Limit:       limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}
	id, ok := a.authorize(w, r, rbac.PermViewAudit)
	if !ok {
		return
	}
	report, err := a.plane.Audit.VerifyIntegrity(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := a.authorize(w, r, rbac.PermViewAudit)
	if !ok {
		return
	}
	from, err := parseTime(r.URL.Query().Get("from"))
	if err != nil {
		badRequest(w, r, "from must be RFC3339")
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"))
	if err != nil {
		badRequest(w, r, "to must be RFC3339")
		return
	}
	bundle, err := a.plane.Audit.Export(r.Context(), id.TenantID, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="audit-`+id.TenantID+`.json"`)
	writeJSON(w, http.StatusOK, bundle)
}

const streamHeartbeat = 25 * time.Second

// handleAuditStream serves the tenant's new audit entries as Server-Sent Events.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := a.authorize(w, r, rbac.PermViewAudit)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.plane.Feed.Subscribe(ctx, id.TenantID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
		case entry, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %d\nevent: audit\ndata: %s\n\n", entry.Seq, payload)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
