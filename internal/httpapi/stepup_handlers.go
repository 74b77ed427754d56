package httpapi

import (
	"net/http"
	"strings"
	"time"

	"retailgate.in/internal/stepup"
)

type stepUpVerifyRequest struct {
	Method   string `json:"method"`
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
	Token    string `json:"token,omitempty"`
}

func requestContext(r *http.Request) stepup.RequestContext {
	return stepup.RequestContext{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
}

func (a *API) handleStepUpStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	sess, valid, err := a.plane.StepUp.ValidSession(r.Context(), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !valid {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "session": sess})
}

func (a *API) handleStepUpVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req stepUpVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	method, ok := stepup.ParseMethod(strings.ToUpper(strings.TrimSpace(req.Method)))
	if !ok {
		badRequest(w, r, "method must be PASSWORD, TOTP or MAGIC_LINK")
		return
	}
	res, err := a.plane.StepUp.Verify(r.Context(), id.TenantID, id.UserID, method, stepup.Credentials{
		Password: req.Password,
		Code:     req.Code,
		Token:    req.Token,
	}, requestContext(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStepUpMagicLink issues a link token. Delivery belongs to the identity
// layer, so the token is only echoed back when ExposeMagicLinks is set.
func (a *API) handleStepUpMagicLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := caller(w, r)
	if !ok {
		return
	}
	token, expiresAt, err := a.plane.StepUp.IssueMagicLink(r.Context(), id.TenantID, id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"expires_at": expiresAt.UTC().Format(time.RFC3339)}
	if a.opts.ExposeMagicLinks {
		resp["token"] = token
	}
	writeJSON(w, http.StatusAccepted, resp)
}
