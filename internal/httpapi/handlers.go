// Package httpapi exposes the control plane over HTTP/JSON for the admin
// settings UI and business handlers.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"retailgate.in/internal/controlplane"
	"retailgate.in/internal/obs"
	"retailgate.in/internal/secerr"
)

const maxBodyBytes = 1 << 20

// Options tune the HTTP layer.
type Options struct {
	Version            string
	RateLimitPerSecond float64
	RateLimitBurst     int
	// ExposeMagicLinks returns issued magic link tokens in the response body.
	// Only for development, where no delivery channel exists.
	ExposeMagicLinks bool
}

// API is the HTTP layer over a control plane.
type API struct {
	mux   *http.ServeMux
	plane *controlplane.Plane
	opts  Options
}

func New(plane *controlplane.Plane, opts Options) *API {
	if opts.RateLimitPerSecond <= 0 {
		opts.RateLimitPerSecond = 50
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 100
	}
	a := &API{mux: http.NewServeMux(), plane: plane, opts: opts}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/me/permissions", a.handleMyPermissions)
	a.mux.HandleFunc("/v1/users/", a.handleUserRoles)

	a.mux.HandleFunc("/v1/audit", a.handleAuditQuery)
	a.mux.HandleFunc("/v1/audit/verify", a.handleAuditVerify)
	a.mux.HandleFunc("/v1/audit/export", a.handleAuditExport)
	a.mux.HandleFunc("/v1/audit/stream", a.handleAuditStream)

	a.mux.HandleFunc("/v1/step-up", a.handleStepUpStatus)
	a.mux.HandleFunc("/v1/step-up/verify", a.handleStepUpVerify)
	a.mux.HandleFunc("/v1/step-up/magic-link", a.handleStepUpMagicLink)

	a.mux.HandleFunc("/v1/approvals", a.handleApprovalsCollection)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalResource)

	a.mux.HandleFunc("/v1/support", a.handleSupportStatus)
	a.mux.HandleFunc("/v1/support/enable", a.handleSupportEnable)
	a.mux.HandleFunc("/v1/support/revoke", a.handleSupportRevoke)
	a.mux.HandleFunc("/v1/support/history", a.handleSupportHistory)
	a.mux.HandleFunc("/v1/support/actions", a.handleSupportActions)

	a.mux.HandleFunc("/v1/exports", a.handleExports)

	a.mux.HandleFunc("/v1/settings/security", a.handleSecuritySettings)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorBody(w, r, http.StatusNotFound, string(secerr.CodeNotFound), "resource not found", nil)
	})
	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitPerSecond)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "retailgate-control-plane",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.plane.Ready(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, errCode, msg string, detail map[string]any) {
	payload := map[string]any{
		"error": errorBody{Code: errCode, Message: msg, Detail: detail},
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeError renders control-plane errors with their code and detail so the
// caller can tell which gate failed. Anything else is a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := secerr.As(err)
	if !ok {
		obs.Error("request failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeErrorBody(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	if e.Code == secerr.CodeRateLimitExceeded {
		if reset, ok := e.Detail["reset_at"].(time.Time); ok {
			secs := int(time.Until(reset).Seconds()) + 1
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	writeErrorBody(w, r, secerr.HTTPStatus(e), string(e.Code), msg, e.Detail)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeErrorBody(w, r, http.StatusBadRequest, string(secerr.CodeInvalidInput), msg, nil)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeErrorBody(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, errors.New("value out of range")
	}
	return v, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
