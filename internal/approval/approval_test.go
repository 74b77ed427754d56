package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

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
	auditStore *audit.MemoryStore
	chain      *audit.Chain
	guard      *rbac.Guard
	clock      *testclock.Clock
}

func newFixture(t *testing.T, cfg fixedSettings, opts ...Option) fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	auditStore := audit.NewMemoryStore()
	chain := audit.NewChain(auditStore, clk)
	roles := rbac.NewMemoryStore()
	for user, role := range map[string]rbac.Role{
		"cashier":   rbac.RoleCashier,
		"manager":   rbac.RoleManager,
		"manager-2": rbac.RoleManager,
	} {
		if _, _, err := roles.UpsertAssignment(context.Background(), rbac.Assignment{TenantID: "t1", UserID: user, Role: role}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	guard := rbac.NewGuard(roles, rbac.WithAudit(chain), rbac.WithClock(clk))
	store := NewMemoryStore()
	svc := NewService(store, guard, chain, cfg, append([]Option{WithClock(clk)}, opts...)...)
	return fixture{svc: svc, store: store, auditStore: auditStore, chain: chain, guard: guard, clock: clk}
}

func amount(v int64) *int64 { return &v }

func TestRequiresApproval(t *testing.T) {
	f := newFixture(t, fixedSettings{RefundThreshold: amount(1000)})
	ctx := context.Background()
	cases := []struct {
		actionType string
		amount     *int64
		want       bool
	}{
		{TypeRefund, amount(2000), true},
		{TypeRefund, amount(1000), false},
		{TypeRefund, nil, false},
		{TypeDiscount, amount(999999), false},
		{"VOID", amount(999999), false},
	}
	for _, tc := range cases {
		got, err := f.svc.RequiresApproval(ctx, "t1", tc.actionType, tc.amount)
		if err != nil {
			t.Fatalf("RequiresApproval: %v", err)
		}
		if got != tc.want {
			t.Fatalf("RequiresApproval(%s, %v)=%v, want %v", tc.actionType, tc.amount, got, tc.want)
		}
	}
}

func TestApproveHappyPath(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, err := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{
		ActionType: "refund",
		Payload:    map[string]any{"order_id": "o-1", "amount": 2000},
		CreatedBy:  "cashier",
	})
	if err != nil {
		t.Fatalf("CreatePendingAction: %v", err)
	}
	if a.Status != StatusPending || a.ActionType != TypeRefund || !a.ExpiresAt.Equal(a.CreatedAt.Add(24*time.Hour)) {
		t.Fatalf("unexpected action: %+v", a)
	}

	approved, err := f.svc.Approve(ctx, "t1", a.ID, "manager")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != StatusApproved || approved.ApprovedBy != "manager" || approved.ApprovedAt == nil || approved.ExecutedAt == nil {
		t.Fatalf("unexpected approved action: %+v", approved)
	}

	if _, err := f.svc.Approve(ctx, "t1", a.ID, "manager-2"); !errors.Is(err, secerr.ErrActionNotPending) {
		t.Fatalf("second approval must fail with ActionNotPending, got %v", err)
	}
	if _, err := f.svc.Reject(ctx, "t1", a.ID, "manager-2", "late"); !errors.Is(err, secerr.ErrActionNotPending) {
		t.Fatalf("reject after approve must fail with ActionNotPending, got %v", err)
	}

	entries, _ := f.auditStore.List(ctx, "t1", audit.Filter{})
	if len(entries) != 2 || entries[0].Action != ActionCreated || entries[1].Action != ActionApproved {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}
}

func TestApproveRequiresPermission(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, _ := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeRefund, CreatedBy: "manager"})
	if _, err := f.svc.Approve(ctx, "t1", a.ID, "cashier"); !errors.Is(err, secerr.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	got, _ := f.svc.Get(ctx, "t1", a.ID)
	if got.Status != StatusPending {
		t.Fatalf("denied approval must not change state")
	}
}

func TestSelfApprovalForbidden(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, _ := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeDiscount, CreatedBy: "manager"})
	if _, err := f.svc.Approve(ctx, "t1", a.ID, "manager"); !errors.Is(err, secerr.ErrSelfApproval) {
		t.Fatalf("expected SelfApproval, got %v", err)
	}

	permissive := newFixture(t, fixedSettings{}, WithSelfApproval(true))
	b, _ := permissive.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeDiscount, CreatedBy: "manager"})
	if _, err := permissive.svc.Approve(ctx, "t1", b.ID, "manager"); err != nil {
		t.Fatalf("self approval should be allowed when configured: %v", err)
	}
}

func TestLateApprovalExpires(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, _ := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeRefund, CreatedBy: "cashier", ExpiresIn: time.Hour})
	f.clock.Advance(time.Hour)

	_, err := f.svc.Approve(ctx, "t1", a.ID, "manager")
	if !errors.Is(err, secerr.ErrActionExpired) {
		t.Fatalf("expected ActionExpired, got %v", err)
	}
	got, _ := f.svc.Get(ctx, "t1", a.ID)
	if got.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	if _, err := f.svc.Approve(ctx, "t1", a.ID, "manager"); !errors.Is(err, secerr.ErrActionNotPending) {
		t.Fatalf("expired action must stay terminal, got %v", err)
	}
	expired, _ := f.auditStore.List(ctx, "t1", audit.Filter{Action: ActionExpired})
	if len(expired) != 1 {
		t.Fatalf("expiry transition must be audited")
	}
}

func TestReject(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, _ := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeRefund, CreatedBy: "cashier"})
	if _, err := f.svc.Reject(ctx, "t1", a.ID, "manager", "  "); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	rejected, err := f.svc.Reject(ctx, "t1", a.ID, "manager", "duplicate refund")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.RejectionReason != "duplicate refund" || rejected.RejectedBy != "manager" {
		t.Fatalf("unexpected rejected action: %+v", rejected)
	}
	if _, err := f.svc.Approve(ctx, "t1", a.ID, "manager"); !errors.Is(err, secerr.ErrActionNotPending) {
		t.Fatalf("rejected action must stay terminal, got %v", err)
	}
}

func TestConcurrentApprovalsHaveOneWinner(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, _ := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeRefund, CreatedBy: "cashier"})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notReady int
	)
	for _, approver := range []string{"manager", "manager-2", "manager", "manager-2"} {
		wg.Add(1)
		go func(approver string) {
			defer wg.Done()
			_, err := f.svc.Approve(ctx, "t1", a.ID, approver)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, secerr.ErrActionNotPending):
				notReady++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(approver)
	}
	wg.Wait()
	if wins != 1 || notReady != 3 {
		t.Fatalf("expected exactly one winner, got wins=%d losers=%d", wins, notReady)
	}
	approved, _ := f.auditStore.List(ctx, "t1", audit.Filter{Action: ActionApproved})
	if len(approved) != 1 {
		t.Fatalf("expected a single approval entry, got %d", len(approved))
	}
}

func TestGetIsTenantScoped(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, _ := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeRefund, CreatedBy: "cashier"})
	if _, err := f.svc.Get(ctx, "t2", a.ID); !errors.Is(err, secerr.ErrNotFound) {
		t.Fatalf("expected NotFound across tenants, got %v", err)
	}
	list, _ := f.svc.List(ctx, "t1", Filter{Status: StatusPending})
	if len(list) != 1 {
		t.Fatalf("expected one pending action, got %d", len(list))
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

// withFailingAudit returns a service over the fixture's store whose appends of action fail.
func (f fixture) withFailingAudit(action string) *Service {
	return NewService(f.store, f.guard, failingAppender{next: f.chain, fail: action}, fixedSettings{}, WithClock(f.clock))
}

func TestCreateNotStoredWhenAuditFails(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	svc := f.withFailingAudit(ActionCreated)

	_, err := svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeRefund, CreatedBy: "cashier"})
	if !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE, got %v", err)
	}
	pending, _ := f.svc.List(ctx, "t1", Filter{})
	if len(pending) != 0 {
		t.Fatalf("unaudited action must not be queued: %+v", pending)
	}
}

func TestDecisionUndoneWhenAuditFails(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, err := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeRefund, CreatedBy: "cashier"})
	if err != nil {
		t.Fatalf("CreatePendingAction: %v", err)
	}

	if _, err := f.withFailingAudit(ActionApproved).Approve(ctx, "t1", a.ID, "manager"); !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE on approve, got %v", err)
	}
	got, _ := f.svc.Get(ctx, "t1", a.ID)
	if got.Status != StatusPending || got.ApprovedBy != "" || got.ApprovedAt != nil {
		t.Fatalf("unaudited approval must not stand: %+v", got)
	}
	approvedQueue, _ := f.svc.List(ctx, "t1", Filter{Status: StatusApproved})
	if len(approvedQueue) != 0 {
		t.Fatalf("nothing may be ready for execution: %+v", approvedQueue)
	}

	if _, err := f.withFailingAudit(ActionRejected).Reject(ctx, "t1", a.ID, "manager", "dup"); !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE on reject, got %v", err)
	}
	if got, _ := f.svc.Get(ctx, "t1", a.ID); got.Status != StatusPending || got.RejectionReason != "" {
		t.Fatalf("unaudited rejection must not stand: %+v", got)
	}

	approved, err := f.svc.Approve(ctx, "t1", a.ID, "manager")
	if err != nil || approved.Status != StatusApproved {
		t.Fatalf("action should be decidable once the audit log recovers: %+v %v", approved, err)
	}
	entries, _ := f.auditStore.List(ctx, "t1", audit.Filter{Action: ActionApproved})
	if len(entries) != 1 {
		t.Fatalf("expected exactly one approval entry, got %d", len(entries))
	}
}

func TestExpiryUndoneWhenAuditFails(t *testing.T) {
	f := newFixture(t, fixedSettings{})
	ctx := context.Background()
	a, _ := f.svc.CreatePendingAction(ctx, "t1", CreateRequest{ActionType: TypeRefund, CreatedBy: "cashier", ExpiresIn: time.Hour})
	f.clock.Advance(time.Hour)

	if _, err := f.withFailingAudit(ActionExpired).Approve(ctx, "t1", a.ID, "manager"); !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE, got %v", err)
	}
	if got, _ := f.svc.Get(ctx, "t1", a.ID); got.Status != StatusPending {
		t.Fatalf("expected PENDING after failed expiry, got %s", got.Status)
	}
	if _, err := f.svc.Approve(ctx, "t1", a.ID, "manager"); !errors.Is(err, secerr.ErrActionExpired) {
		t.Fatalf("late approval must still expire, got %v", err)
	}
}
