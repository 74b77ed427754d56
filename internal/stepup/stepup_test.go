package stepup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/pquerna/otp/totp"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/auth"
	"retailgate.in/internal/secerr"
	"retailgate.in/internal/settings"
)

const totpSecret = "JBSWY3DPEHPK3PXP"

type fixedSettings settings.SecurityConfig

func (f fixedSettings) Get(context.Context, string) (settings.SecurityConfig, error) {
	return settings.SecurityConfig(f), nil
}

type fixture struct {
	svc        *Service
	store      *MemoryStore
	auditStore *audit.MemoryStore
	clock      *testclock.Clock
	creds      *MemoryCredentials
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	auditStore := audit.NewMemoryStore()
	creds := NewMemoryCredentials()
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	creds.SetPasswordHash("t1", "u1", hash)
	creds.SetTOTPSecret("t1", "u1", totpSecret)

	store := NewMemoryStore()
	svc := NewService(store, fixedSettings{StepUpTimeoutMinutes: 10}, audit.NewChain(auditStore, clk), clk,
		PasswordVerifier{Credentials: creds},
		TOTPVerifier{Credentials: creds, Clock: clk},
		MagicLinkVerifier{Links: NewMemoryMagicLinks(), Clock: clk},
	)
	return fixture{svc: svc, store: store, auditStore: auditStore, clock: clk, creds: creds}
}

func TestSessionExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, "t1", "u1", MethodPassword, RequestContext{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !sess.ExpiresAt.Equal(sess.VerifiedAt.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", sess.ExpiresAt)
	}
	if ok, _ := f.svc.HasValidSession(ctx, "t1", "u1"); !ok {
		t.Fatalf("session must be valid immediately after creation")
	}
	f.clock.Advance(10*time.Minute - time.Nanosecond)
	if ok, _ := f.svc.HasValidSession(ctx, "t1", "u1"); !ok {
		t.Fatalf("session must be valid just before expiry")
	}
	f.clock.Advance(time.Nanosecond)
	if ok, _ := f.svc.HasValidSession(ctx, "t1", "u1"); ok {
		t.Fatalf("now == expiresAt must be treated as expired")
	}
	if err := f.svc.RequireStepUp(ctx, "t1", "u1"); !errors.Is(err, secerr.ErrStepUpRequired) {
		t.Fatalf("expected StepUpRequired, got %v", err)
	}
}

func TestSessionsAreTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateSession(ctx, "t1", "u1", MethodTOTP, RequestContext{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.svc.RequireStepUp(ctx, "t2", "u1"); !errors.Is(err, secerr.ErrStepUpRequired) {
		t.Fatalf("session must not satisfy another tenant, got %v", err)
	}
	if err := f.svc.RequireStepUp(ctx, "t1", "u1"); err != nil {
		t.Fatalf("RequireStepUp: %v", err)
	}
}

func TestOverlappingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateSession(ctx, "t1", "u1", MethodPassword, RequestContext{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	f.clock.Advance(5 * time.Minute)
	second, err := f.svc.CreateSession(ctx, "t1", "u1", MethodPassword, RequestContext{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	f.clock.Advance(6 * time.Minute)
	sess, ok, _ := f.svc.ValidSession(ctx, "t1", "u1")
	if !ok || sess.ID != second.ID {
		t.Fatalf("expected second session to remain valid, got %+v ok=%v", sess, ok)
	}
}

func TestVerifyPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Verify(ctx, "t1", "u1", MethodPassword, Credentials{Password: "wrong"}, RequestContext{})
	if !errors.Is(err, secerr.ErrStepUpFailed) || res.Success {
		t.Fatalf("expected StepUpFailed, got %+v %v", res, err)
	}
	failed, _ := f.auditStore.List(ctx, "t1", audit.Filter{Action: ActionFailed})
	if len(failed) != 1 {
		t.Fatalf("expected STEP_UP_FAILED audit entry, got %d", len(failed))
	}
	if ok, _ := f.svc.HasValidSession(ctx, "t1", "u1"); ok {
		t.Fatalf("failed verification must not open a session")
	}

	res, err = f.svc.Verify(ctx, "t1", "u1", MethodPassword, Credentials{Password: "hunter2"}, RequestContext{UserAgent: "pos/1.0"})
	if err != nil || !res.Success || res.SessionID == "" {
		t.Fatalf("expected success, got %+v %v", res, err)
	}
	created, _ := f.auditStore.List(ctx, "t1", audit.Filter{Action: ActionSessionCreated})
	if len(created) != 1 {
		t.Fatalf("expected STEP_UP_SESSION_CREATED audit entry, got %d", len(created))
	}
}

func TestVerifyTOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	code, err := totp.GenerateCode(totpSecret, f.clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	res, err := f.svc.Verify(ctx, "t1", "u1", MethodTOTP, Credentials{Code: code}, RequestContext{})
	if err != nil || !res.Success {
		t.Fatalf("expected TOTP success, got %+v %v", res, err)
	}
	if _, err := f.svc.Verify(ctx, "t1", "u1", MethodTOTP, Credentials{Code: "000000x"}, RequestContext{}); !errors.Is(err, secerr.ErrStepUpFailed) {
		t.Fatalf("expected StepUpFailed for bad code, got %v", err)
	}
	if _, err := f.svc.Verify(ctx, "t1", "nobody", MethodTOTP, Credentials{Code: code}, RequestContext{}); !errors.Is(err, secerr.ErrStepUpFailed) {
		t.Fatalf("expected StepUpFailed for unenrolled user, got %v", err)
	}
}

func TestMagicLinkIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, expiresAt, err := f.svc.IssueMagicLink(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("IssueMagicLink: %v", err)
	}
	if !expiresAt.Equal(f.clock.Now().UTC().Add(MagicLinkTTL)) {
		t.Fatalf("unexpected link expiry %v", expiresAt)
	}
	if _, err := f.svc.Verify(ctx, "t1", "u2", MethodMagicLink, Credentials{Token: token}, RequestContext{}); !errors.Is(err, secerr.ErrStepUpFailed) {
		t.Fatalf("link must be bound to its user, got %v", err)
	}
	if res, err := f.svc.Verify(ctx, "t1", "u1", MethodMagicLink, Credentials{Token: token}, RequestContext{}); err != nil || !res.Success {
		t.Fatalf("expected success, got %+v %v", res, err)
	}
	if _, err := f.svc.Verify(ctx, "t1", "u1", MethodMagicLink, Credentials{Token: token}, RequestContext{}); !errors.Is(err, secerr.ErrStepUpFailed) {
		t.Fatalf("second use must fail, got %v", err)
	}
}

func TestMagicLinkExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, _, err := f.svc.IssueMagicLink(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("IssueMagicLink: %v", err)
	}
	f.clock.Advance(MagicLinkTTL)
	if _, err := f.svc.Verify(ctx, "t1", "u1", MethodMagicLink, Credentials{Token: token}, RequestContext{}); !errors.Is(err, secerr.ErrStepUpFailed) {
		t.Fatalf("expired link must fail, got %v", err)
	}
}

func TestVerifyUnknownMethod(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Verify(context.Background(), "t1", "u1", Method("SMS"), Credentials{}, RequestContext{}); !errors.Is(err, secerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestSweepOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.CreateSession(ctx, "t1", "u1", MethodPassword, RequestContext{}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	sweeper := NewSweeper(f.store, f.clock, time.Minute)
	if n, _ := sweeper.SweepOnce(ctx); n != 0 {
		t.Fatalf("nothing should be swept yet, removed %d", n)
	}
	f.clock.Advance(11 * time.Minute)
	if n, _ := sweeper.SweepOnce(ctx); n != 3 {
		t.Fatalf("expected 3 sessions swept, got %d", n)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(f.store, f.clock, time.Minute).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

type unavailableAudit struct{}

func (unavailableAudit) Append(context.Context, string, string, string, any) (string, error) {
	return "", errors.New("audit down")
}

func TestSessionNotOpenedWhenAuditFails(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(NewMemoryStore(), fixedSettings{StepUpTimeoutMinutes: 10}, unavailableAudit{}, clk)
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "t1", "u1", MethodPassword, RequestContext{}); !errors.Is(err, secerr.ErrAuditWriteFailure) {
		t.Fatalf("expected AUDIT_WRITE_FAILURE, got %v", err)
	}
	if ok, _ := svc.HasValidSession(ctx, "t1", "u1"); ok {
		t.Fatalf("unaudited step-up must not be usable")
	}
}
