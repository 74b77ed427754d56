package approval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/juju/clock"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/ids"
	"retailgate.in/internal/obs"
	"retailgate.in/internal/rbac"
	"retailgate.in/internal/secerr"
	"retailgate.in/internal/settings"
)

// Audit actions emitted by the service.
const (
	ActionCreated  = "PENDING_ACTION_CREATED"
	ActionApproved = "PENDING_ACTION_APPROVED"
	ActionRejected = "PENDING_ACTION_REJECTED"
	ActionExpired  = "PENDING_ACTION_EXPIRED"
)

// DefaultExpiry is the lifetime of a pending action when none is given.
const DefaultExpiry = 24 * time.Hour

// Service is the maker-checker queue. Approving never executes the underlying
// business action; callers read the payload of an APPROVED action and perform
// it exactly once, keyed by the action id.
type Service struct {
	store             Store
	guard             rbac.Authorizer
	audit             audit.Appender
	settings          settings.Reader
	clock             clock.Clock
	defaultExpiry     time.Duration
	allowSelfApproval bool
}

type Option func(*Service)

// WithDefaultExpiry overrides the 24h default lifetime.
func WithDefaultExpiry(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultExpiry = d
		}
	}
}

// WithSelfApproval lets the maker approve their own action.
func WithSelfApproval(allow bool) Option {
	return func(s *Service) { s.allowSelfApproval = allow }
}

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func NewService(store Store, guard rbac.Authorizer, auditor audit.Appender, cfg settings.Reader, opts ...Option) *Service {
	s := &Service{
		store:         store,
		guard:         guard,
		audit:         auditor,
		settings:      cfg,
		clock:         clock.WallClock,
		defaultExpiry: DefaultExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequiresApproval compares amount against the tenant's threshold for the action
// type. Unconfigured thresholds, unknown types and absent amounts never require approval.
func (s *Service) RequiresApproval(ctx context.Context, tenantID, actionType string, amount *int64) (bool, error) {
	if amount == nil {
		return false, nil
	}
	cfg, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return false, err
	}
	var threshold *int64
	switch strings.ToUpper(strings.TrimSpace(actionType)) {
	case TypeRefund:
		threshold = cfg.RefundThreshold
	case TypeDiscount:
		threshold = cfg.DiscountThreshold
	}
	if threshold == nil {
		return false, nil
	}
	return *amount > *threshold, nil
}

// CreateRequest describes a new pending action.
type CreateRequest struct {
	ActionType string
	Payload    any
	CreatedBy  string
	// ExpiresIn defaults to the service default when zero.
	ExpiresIn time.Duration
}

// CreatePendingAction queues an action for approval.
func (s *Service) CreatePendingAction(ctx context.Context, tenantID string, req CreateRequest) (Action, error) {
	tenantID = strings.TrimSpace(tenantID)
	actionType := strings.ToUpper(strings.TrimSpace(req.ActionType))
	createdBy := strings.TrimSpace(req.CreatedBy)
	if tenantID == "" || actionType == "" || createdBy == "" {
		return Action{}, secerr.InvalidInput("tenant, action type and creator are required")
	}
	if req.ExpiresIn < 0 {
		return Action{}, secerr.InvalidInput("expiry must be positive")
	}
	payload, err := audit.CanonicalJSON(req.Payload)
	if err != nil {
		return Action{}, secerr.InvalidInput("payload: %v", err)
	}
	expiresIn := req.ExpiresIn
	if expiresIn == 0 {
		expiresIn = s.defaultExpiry
	}
	now := s.clock.Now().UTC()
	a := Action{
		ID:         ids.New(),
		TenantID:   tenantID,
		ActionType: actionType,
		Payload:    json.RawMessage(payload),
		CreatedBy:  createdBy,
		Status:     StatusPending,
		ExpiresAt:  now.Add(expiresIn),
		CreatedAt:  now,
	}
	// The entry is written before the action exists, so an action can never be
	// decided without its creation on record.
	if err := audit.Record(ctx, s.audit, tenantID, createdBy, ActionCreated, map[string]any{
		"action_id":   a.ID,
		"action_type": actionType,
		"expires_at":  a.ExpiresAt,
		"payload":     a.Payload,
	}); err != nil {
		return Action{}, err
	}
	if err := s.store.CreateAction(ctx, a); err != nil {
		return Action{}, err
	}
	obs.PendingActionTransition(string(StatusPending))
	return a, nil
}

// Get returns one action of the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (Action, error) {
	a, err := s.store.GetAction(ctx, tenantID, id)
	if errors.Is(err, ErrNotFound) {
		return Action{}, secerr.NotFound("pending action")
	}
	return a, err
}

// List returns the tenant's actions, newest first.
func (s *Service) List(ctx context.Context, tenantID string, f Filter) ([]Action, error) {
	out, err := s.store.ListActions(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Action{}
	}
	return out, nil
}

// Approve moves a pending action to APPROVED. A late approval instead moves it to
// EXPIRED and fails. Concurrent deciders race on a conditional transition; losers
// observe ACTION_NOT_PENDING.
func (s *Service) Approve(ctx context.Context, tenantID, id, approvedBy string) (Action, error) {
	if err := s.guard.RequirePermission(ctx, tenantID, approvedBy, rbac.PermApproveActions); err != nil {
		return Action{}, err
	}
	a, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return Action{}, err
	}
	if a.Status != StatusPending {
		return Action{}, secerr.ActionNotPending(a.ID, string(a.Status))
	}
	now := s.clock.Now().UTC()
	if !now.Before(a.ExpiresAt) {
		return Action{}, s.expire(ctx, a, approvedBy)
	}
	if !s.allowSelfApproval && a.CreatedBy == approvedBy {
		obs.AuthzDenied(string(secerr.CodeSelfApproval))
		return Action{}, secerr.SelfApproval(a.ID)
	}

	return s.decide(ctx, a, approvedBy, ActionApproved, Transition{
		To:         StatusApproved,
		ApprovedBy: approvedBy,
		ApprovedAt: &now,
		ExecutedAt: &now,
	}, map[string]any{
		"action_id":   a.ID,
		"action_type": a.ActionType,
		"created_by":  a.CreatedBy,
	})
}

// Reject moves a pending action to REJECTED. A reason is required.
func (s *Service) Reject(ctx context.Context, tenantID, id, rejectedBy, reason string) (Action, error) {
	if err := s.guard.RequirePermission(ctx, tenantID, rejectedBy, rbac.PermApproveActions); err != nil {
		return Action{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Action{}, secerr.InvalidInput("rejection reason is required")
	}
	a, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return Action{}, err
	}
	if a.Status != StatusPending {
		return Action{}, secerr.ActionNotPending(a.ID, string(a.Status))
	}
	return s.decide(ctx, a, rejectedBy, ActionRejected, Transition{
		To:              StatusRejected,
		RejectedBy:      rejectedBy,
		RejectionReason: reason,
	}, map[string]any{
		"action_id":   a.ID,
		"action_type": a.ActionType,
		"reason":      reason,
	})
}

func (s *Service) expire(ctx context.Context, a Action, attemptedBy string) error {
	if _, err := s.decide(ctx, a, attemptedBy, ActionExpired, Transition{To: StatusExpired}, map[string]any{
		"action_id":   a.ID,
		"action_type": a.ActionType,
		"expires_at":  a.ExpiresAt,
	}); err != nil {
		return err
	}
	return secerr.ActionExpired(a.ID, a.ExpiresAt)
}

// decide moves a out of PENDING and records the decision. The conditional
// transition picks the single winner among concurrent deciders; if the entry
// cannot be written the transition is undone and the action is PENDING again.
func (s *Service) decide(ctx context.Context, a Action, actor, event string, t Transition, meta map[string]any) (Action, error) {
	updated, err := s.store.TransitionAction(ctx, a.TenantID, a.ID, StatusPending, t)
	if errors.Is(err, ErrStale) {
		current, gerr := s.store.GetAction(ctx, a.TenantID, a.ID)
		status := "RESOLVED"
		if gerr == nil {
			status = string(current.Status)
		}
		return Action{}, secerr.ActionNotPending(a.ID, status)
	}
	if err != nil {
		return Action{}, err
	}
	if err := audit.Record(ctx, s.audit, a.TenantID, actor, event, meta); err != nil {
		s.reopen(ctx, a, t.To)
		return Action{}, err
	}
	obs.PendingActionTransition(string(t.To))
	return updated, nil
}

func (s *Service) reopen(ctx context.Context, a Action, from Status) {
	_, err := s.store.TransitionAction(context.WithoutCancel(ctx), a.TenantID, a.ID, from, Transition{To: StatusPending})
	if err != nil {
		obs.Error("pending action reopen failed", map[string]any{
			"tenant_id": a.TenantID,
			"action_id": a.ID,
			"status":    string(from),
			"error":     err.Error(),
		})
	}
}
