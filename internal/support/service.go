// Package support implements consent-based, time-boxed support access. A bound
// support identity reads through the SUPPORT role and can only request writes,
// which are queued for dual-control approval.
package support

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/juju/clock"

	"retailgate.in/internal/approval"
	"retailgate.in/internal/audit"
	"retailgate.in/internal/ids"
	"retailgate.in/internal/rbac"
	"retailgate.in/internal/secerr"
	"retailgate.in/internal/settings"
)

// Audit actions emitted by the service.
const (
	ActionEnabled = "SUPPORT_MODE_ENABLED"
	ActionRevoked = "SUPPORT_MODE_REVOKED"
)

// ActionPrefix is prepended to every action type requested through support mode.
const ActionPrefix = "SUPPORT_"

// MaxDuration caps a single support grant.
const MaxDuration = 24 * time.Hour

// EnableOptions configures a new grant. Zero DurationMinutes uses the tenant default.
type EnableOptions struct {
	Scope           Scope
	DurationMinutes int
	SupportUserID   string
}

// Status is the result of IsActive.
type Status struct {
	Active  bool     `json:"active"`
	Session *Session `json:"session,omitempty"`
}

// Service manages support grants.
type Service struct {
	store     Store
	guard     rbac.Authorizer
	audit     audit.Appender
	settings  settings.Reader
	approvals *approval.Service
	clock     clock.Clock
}

func NewService(store Store, guard rbac.Authorizer, auditor audit.Appender, cfg settings.Reader, approvals *approval.Service, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{store: store, guard: guard, audit: auditor, settings: cfg, approvals: approvals, clock: clk}
}

// Enable opens a support grant, deactivating any previous one. enabledBy needs SUPPORT_ACCESS.
func (s *Service) Enable(ctx context.Context, tenantID, enabledBy string, opts EnableOptions) (Session, error) {
	if err := s.guard.RequirePermission(ctx, tenantID, enabledBy, rbac.PermSupportAccess); err != nil {
		return Session{}, err
	}
	scope, ok := ParseScope(string(opts.Scope))
	if !ok {
		return Session{}, secerr.InvalidInput("unknown support scope %q", opts.Scope)
	}
	supportUserID := strings.TrimSpace(opts.SupportUserID)
	if supportUserID == "" {
		return Session{}, secerr.InvalidInput("support_user_id is required")
	}
	if opts.DurationMinutes < 0 {
		return Session{}, secerr.InvalidInput("duration must be positive")
	}
	duration := time.Duration(opts.DurationMinutes) * time.Minute
	if duration == 0 {
		cfg, err := s.settings.Get(ctx, tenantID)
		if err != nil {
			return Session{}, err
		}
		duration = time.Duration(cfg.SupportSessionMinutes) * time.Minute
	}
	if duration > MaxDuration {
		duration = MaxDuration
	}

	now := s.clock.Now().UTC()
	sess := Session{
		ID:            ids.New(),
		TenantID:      tenantID,
		EnabledBy:     enabledBy,
		SupportUserID: supportUserID,
		Scope:         scope,
		IsActive:      true,
		ExpiresAt:     now.Add(duration),
		CreatedAt:     now,
	}
	// No grant becomes usable unless its entry is on the chain.
	if err := audit.Record(ctx, s.audit, tenantID, enabledBy, ActionEnabled, map[string]any{
		"session_id":      sess.ID,
		"support_user_id": sess.SupportUserID,
		"scope":           scope,
		"expires_at":      sess.ExpiresAt,
	}); err != nil {
		return Session{}, err
	}
	if err := s.store.ActivateSession(ctx, sess, now); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// IsActive reports the tenant's grant in force, checking both the flag and the expiry.
func (s *Service) IsActive(ctx context.Context, tenantID string) (Status, error) {
	sess, err := s.store.ActiveSession(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	if !sess.ActiveAt(s.clock.Now().UTC()) {
		return Status{}, nil
	}
	return Status{Active: true, Session: &sess}, nil
}

// Revoke ends the tenant's grant. revokedBy needs SUPPORT_ACCESS.
func (s *Service) Revoke(ctx context.Context, tenantID, revokedBy string) (Session, error) {
	if err := s.guard.RequirePermission(ctx, tenantID, revokedBy, rbac.PermSupportAccess); err != nil {
		return Session{}, err
	}
	current, err := s.store.ActiveSession(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, secerr.SupportModeInactive()
	}
	if err != nil {
		return Session{}, err
	}
	if err := audit.Record(ctx, s.audit, tenantID, revokedBy, ActionRevoked, map[string]any{
		"session_id":      current.ID,
		"support_user_id": current.SupportUserID,
	}); err != nil {
		return Session{}, err
	}
	sess, err := s.store.RevokeSession(ctx, tenantID, revokedBy, s.clock.Now().UTC())
	if errors.Is(err, ErrNotFound) {
		return Session{}, secerr.SupportModeInactive()
	}
	return sess, err
}

// IsSupportUser reports whether userID is bound to the tenant's grant in force.
func (s *Service) IsSupportUser(ctx context.Context, tenantID, userID string) (bool, error) {
	st, err := s.IsActive(ctx, tenantID)
	if err != nil || !st.Active {
		return false, err
	}
	return st.Session.SupportUserID != "" && st.Session.SupportUserID == userID, nil
}

// History lists the tenant's grants, newest first.
func (s *Service) History(ctx context.Context, tenantID string, limit int) ([]Session, error) {
	out, err := s.store.ListSessions(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Session{}
	}
	return out, nil
}

// RequestAction queues a write on behalf of the bound support user. It never
// performs the write itself.
func (s *Service) RequestAction(ctx context.Context, tenantID, supportUserID, actionType string, payload any) (approval.Action, error) {
	actionType = strings.ToUpper(strings.TrimSpace(actionType))
	if actionType == "" {
		return approval.Action{}, secerr.InvalidInput("action type is required")
	}
	st, err := s.IsActive(ctx, tenantID)
	if err != nil {
		return approval.Action{}, err
	}
	if !st.Active {
		return approval.Action{}, secerr.SupportModeInactive()
	}
	if st.Session.SupportUserID == "" || st.Session.SupportUserID != supportUserID {
		return approval.Action{}, secerr.NotAuthorizedSupportUser()
	}

	tagged, err := tagPayload(payload, supportUserID, st.Session.ID)
	if err != nil {
		return approval.Action{}, err
	}
	return s.approvals.CreatePendingAction(ctx, tenantID, approval.CreateRequest{
		ActionType: ActionPrefix + actionType,
		Payload:    tagged,
		CreatedBy:  supportUserID,
	})
}

func tagPayload(payload any, requestedBy, sessionID string) (map[string]any, error) {
	raw, err := audit.CanonicalJSON(payload)
	if err != nil {
		return nil, secerr.InvalidInput("payload: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil || out == nil {
		return nil, secerr.InvalidInput("payload must be a JSON object")
	}
	out["requested_by"] = requestedBy
	out["support_session_id"] = sessionID
	return out, nil
}
