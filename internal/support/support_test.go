package support

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"retailgate.in/internal/approval"
	"retailgate.in/internal/audit"
	"retailgate.in/internal/rbac"
	"retailgate.in/internal/secerr"
	"retailgate.in/internal/settings"
)

type fixedSettings settings.SecurityConfig

func (f fixedSettings) Get(context.Context, string) (settings.SecurityConfig, error) {
	return settings.SecurityConfig(f), nil
}

type fixture struct {
	svc        *Service
	store      *MemoryStore
	guard      *rbac.Guard
	approvals  *approval.Service
	auditStore *audit.MemoryStore
	chain      *audit.Chain
	cfg        fixedSettings
	clock      *testclock.Clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	auditStore := audit.NewMemoryStore()
	chain := audit.NewChain(auditStore, clk)
	roles := rbac.NewMemoryStore()
	for user, role := range map[string]rbac.Role{"owner": rbac.RoleOwner, "admin": rbac.RoleAdmin} {
		if _, _, err := roles.UpsertAssignment(context.Background(), rbac.Assignment{TenantID: "t1", UserID: user, Role: role}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	guard := rbac.NewGuard(roles, rbac.WithAudit(chain), rbac.WithClock(clk))
	cfg := fixedSettings{SupportSessionMinutes: 60}
	approvals := approval.NewService(approval.NewMemoryStore(), guard, chain, cfg, approval.WithClock(clk))
	store := NewMemoryStore()
	svc := NewService(store, guard, chain, cfg, approvals, clk)
	guard.SetSupportGrants(svc)
	return fixture{svc: svc, store: store, guard: guard, approvals: approvals, auditStore: auditStore, chain: chain, cfg: cfg, clock: clk}
}

func TestEnableRequiresSupportAccess(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Enable(context.Background(), "t1", "admin", EnableOptions{SupportUserID: "sup"})
	if !errors.Is(err, secerr.ErrPermissionDenied) {
		t.Fatalf("admin lacks SUPPORT_ACCESS, expected PermissionDenied, got %v", err)
	}
}

func TestEnableDefaultsAndCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup"})
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if sess.Scope != ScopeReadOnly || !sess.ExpiresAt.Equal(sess.CreatedAt.Add(time.Hour)) {
		t.Fatalf("unexpected defaults: %+v", sess)
	}
	long, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup", DurationMinutes: 5000})
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !long.ExpiresAt.Equal(long.CreatedAt.Add(MaxDuration)) {
		t.Fatalf("duration must be capped at 24h: %v", long.ExpiresAt)
	}
	if _, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{Scope: "ROOT", SupportUserID: "sup"}); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("expected invalid scope, got %v", err)
	}
}

func TestEnableRequiresSupportUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "  "}); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("expected a support user binding to be required, got %v", err)
	}
	if st, _ := f.svc.IsActive(ctx, "t1"); st.Active {
		t.Fatalf("unbound grant must not be opened")
	}
}

func TestEnableIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup-1"})
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup-2"})
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}

	history, _ := f.svc.History(ctx, "t1", 0)
	active := 0
	for _, s := range history {
		if s.IsActive {
			active++
			if s.ID != second.ID {
				t.Fatalf("wrong session active: %s", s.ID)
			}
		}
		if s.ID == first.ID && (s.RevokedAt == nil || s.IsActive) {
			t.Fatalf("previous session must be deactivated with revokedAt: %+v", s)
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active session, got %d", active)
	}
	if ok, _ := f.svc.IsSupportUser(ctx, "t1", "sup-1"); ok {
		t.Fatalf("previous support user must lose access")
	}
	if ok, _ := f.svc.IsSupportUser(ctx, "t1", "sup-2"); !ok {
		t.Fatalf("new support user must have access")
	}
}

func TestExpiryIsPassive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup", DurationMinutes: 30}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if st, _ := f.svc.IsActive(ctx, "t1"); !st.Active {
		t.Fatalf("expected active support mode")
	}
	if !f.guard.HasPermission(ctx, "t1", "sup", rbac.PermViewAudit) {
		t.Fatalf("support user must read while active")
	}
	if f.guard.HasPermission(ctx, "t1", "sup", rbac.PermProcessRefund) {
		t.Fatalf("support user must not write")
	}

	f.clock.Advance(30 * time.Minute)
	if st, _ := f.svc.IsActive(ctx, "t1"); st.Active {
		t.Fatalf("expired grant must not be active")
	}
	if f.guard.HasPermission(ctx, "t1", "sup", rbac.PermViewAudit) {
		t.Fatalf("support user must lose access on expiry")
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Revoke(ctx, "t1", "owner"); !errors.Is(err, secerr.ErrSupportModeInactive) {
		t.Fatalf("expected SupportModeInactive, got %v", err)
	}
	if _, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup"}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	revoked, err := f.svc.Revoke(ctx, "t1", "owner")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked.IsActive || revoked.RevokedBy != "owner" || revoked.RevokedAt == nil {
		t.Fatalf("unexpected revoked session: %+v", revoked)
	}
	if st, _ := f.svc.IsActive(ctx, "t1"); st.Active {
		t.Fatalf("support mode must be inactive after revoke")
	}
	enabled, _ := f.auditStore.List(ctx, "t1", audit.Filter{Action: ActionEnabled})
	revokedEntries, _ := f.auditStore.List(ctx, "t1", audit.Filter{Action: ActionRevoked})
	if len(enabled) != 1 || len(revokedEntries) != 1 {
		t.Fatalf("expected enable and revoke audit entries, got %d/%d", len(enabled), len(revokedEntries))
	}
}

func TestRequestActionQueuesForApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup"})
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	a, err := f.svc.RequestAction(ctx, "t1", "sup", "reset_device", map[string]any{"device_id": "d-9"})
	if err != nil {
		t.Fatalf("RequestAction: %v", err)
	}
	if a.ActionType != "SUPPORT_RESET_DEVICE" || a.Status != approval.StatusPending || a.CreatedBy != "sup" {
		t.Fatalf("unexpected action: %+v", a)
	}
	var payload map[string]any
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["requested_by"] != "sup" || payload["support_session_id"] != sess.ID || payload["device_id"] != "d-9" {
		t.Fatalf("payload not tagged: %v", payload)
	}

	if _, err := f.approvals.Approve(ctx, "t1", a.ID, "owner"); err != nil {
		t.Fatalf("owner should approve the support request: %v", err)
	}
}

func TestRequestActionGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestAction(ctx, "t1", "sup", "X", nil); !errors.Is(err, secerr.ErrSupportModeInactive) {
		t.Fatalf("expected SupportModeInactive, got %v", err)
	}
	if _, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup"}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := f.svc.RequestAction(ctx, "t1", "intruder", "X", nil); !errors.Is(err, secerr.ErrNotAuthorizedSupportUser) {
		t.Fatalf("expected NotAuthorizedSupportUser, got %v", err)
	}
	if _, err := f.svc.RequestAction(ctx, "t1", "sup", "X", []int{1}); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("expected object payload requirement, got %v", err)
	}
	if _, err := f.svc.RequestAction(ctx, "t2", "sup", "X", nil); !errors.Is(err, secerr.ErrSupportModeInactive) {
		t.Fatalf("grant must not cross tenants, got %v", err)
	}
}

type failingAppender struct {
	next audit.Appender
	fail string
}

func (f failingAppender) Append(ctx context.Context, tenantID, actorUserID, action string, meta any) (string, error) {
	if action == f.fail {
		return "", errors.New("audit down")
	}
	return f.next.Append(ctx, tenantID, actorUserID, action, meta)
}

func TestGrantChangesNeedAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	serviceFailing := func(action string) *Service {
		return NewService(f.store, f.guard, failingAppender{next: f.chain, fail: action}, f.cfg, f.approvals, f.clock)
	}

	if _, err := serviceFailing(ActionEnabled).Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup"}); !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE, got %v", err)
	}
	if st, _ := f.svc.IsActive(ctx, "t1"); st.Active {
		t.Fatalf("unaudited grant must not be active")
	}
	if f.guard.HasPermission(ctx, "t1", "sup", rbac.PermViewAudit) {
		t.Fatalf("support user must not read through an unaudited grant")
	}

	if _, err := f.svc.Enable(ctx, "t1", "owner", EnableOptions{SupportUserID: "sup"}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := serviceFailing(ActionRevoked).Revoke(ctx, "t1", "owner"); !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE, got %v", err)
	}
	if st, _ := f.svc.IsActive(ctx, "t1"); !st.Active {
		t.Fatalf("revocation must not happen without its entry")
	}
}
