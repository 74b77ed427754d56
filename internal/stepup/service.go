package stepup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/juju/clock"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/ids"
	"retailgate.in/internal/obs"
	"retailgate.in/internal/secerr"
	"retailgate.in/internal/settings"
)

// Audit actions emitted by the service.
const (
	ActionSessionCreated = "STEP_UP_SESSION_CREATED"
	ActionFailed         = "STEP_UP_FAILED"
)

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"session_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Service manages step-up sessions.
type Service struct {
	store     Store
	settings  settings.Reader
	audit     audit.Appender
	clock     clock.Clock
	verifiers map[Method]Verifier
}

func NewService(store Store, cfg settings.Reader, auditor audit.Appender, clk clock.Clock, verifiers ...Verifier) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Service{store: store, settings: cfg, audit: auditor, clock: clk, verifiers: make(map[Method]Verifier)}
	for _, v := range verifiers {
		s.verifiers[v.Method()] = v
	}
	return s
}

// CreateSession records a successful out-of-band re-verification.
func (s *Service) CreateSession(ctx context.Context, tenantID, userID string, method Method, rc RequestContext) (Session, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return Session{}, secerr.InvalidInput("tenant and user are required")
	}
	if _, ok := ParseMethod(string(method)); !ok {
		return Session{}, secerr.InvalidInput("unknown step-up method %q", method)
	}
	cfg, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return Session{}, err
	}
	now := s.clock.Now().UTC()
	sess := Session{
		ID:         ids.New(),
		TenantID:   tenantID,
		UserID:     userID,
		Method:     method,
		VerifiedAt: now,
		ExpiresAt:  now.Add(cfg.StepUpTimeout()),
		IPAddress:  rc.IPAddress,
		UserAgent:  rc.UserAgent,
	}
	if err := audit.Record(ctx, s.audit, tenantID, userID, ActionSessionCreated, map[string]any{
		"session_id": sess.ID,
		"method":     method,
		"expires_at": sess.ExpiresAt,
		"ip_address": rc.IPAddress,
		"user_agent": rc.UserAgent,
	}); err != nil {
		return Session{}, err
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// ValidSession returns the user's current step-up session, if any.
func (s *Service) ValidSession(ctx context.Context, tenantID, userID string) (Session, bool, error) {
	sess, err := s.store.LatestValidSession(ctx, tenantID, userID, s.clock.Now().UTC())
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// HasValidSession reports whether any unexpired session exists for the user.
func (s *Service) HasValidSession(ctx context.Context, tenantID, userID string) (bool, error) {
	_, ok, err := s.ValidSession(ctx, tenantID, userID)
	return ok, err
}

// RequireStepUp fails with STEP_UP_REQUIRED unless a valid session exists.
// Sessions are reusable for their whole lifetime.
func (s *Service) RequireStepUp(ctx context.Context, tenantID, userID string) error {
	ok, err := s.HasValidSession(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !ok {
		obs.AuthzDenied(string(secerr.CodeStepUpRequired))
		return secerr.StepUpRequired()
	}
	return nil
}

// Verify re-authenticates the user with method and opens a session on success.
// A rejected proof is audited and reported as STEP_UP_FAILED.
func (s *Service) Verify(ctx context.Context, tenantID, userID string, method Method, cred Credentials, rc RequestContext) (VerifyResult, error) {
	v, ok := s.verifiers[method]
	if !ok {
		return VerifyResult{}, secerr.InvalidInput("step-up method %q is not enabled", method)
	}
	if err := v.Verify(ctx, tenantID, userID, cred); err != nil {
		obs.StepUpVerification(string(method), "failure")
		if aerr := audit.Record(ctx, s.audit, tenantID, userID, ActionFailed, map[string]any{
			"method":     method,
			"ip_address": rc.IPAddress,
			"user_agent": rc.UserAgent,
		}); aerr != nil {
			return VerifyResult{}, aerr
		}
		return VerifyResult{Success: false}, secerr.StepUpFailed(string(method), err)
	}
	obs.StepUpVerification(string(method), "success")
	sess, err := s.CreateSession(ctx, tenantID, userID, method, rc)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Success: true, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}, nil
}

// IssueMagicLink creates a single-use link token when the MAGIC_LINK method is enabled.
func (s *Service) IssueMagicLink(ctx context.Context, tenantID, userID string) (string, time.Time, error) {
	v, ok := s.verifiers[MethodMagicLink].(MagicLinkVerifier)
	if !ok {
		return "", time.Time{}, secerr.InvalidInput("magic link step-up is not enabled")
	}
	return v.Issue(ctx, tenantID, userID)
}
