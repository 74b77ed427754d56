// Package export issues rate-limited, watermarked data exports.
package export

import (
	"context"
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
	"retailgate.in/internal/stepup"
)

const ActionCreated = "EXPORT_CREATED"

// Window is the trailing period over which exports are counted.
const Window = 60 * time.Minute

// StepUpChecker is the step-up gate.
type StepUpChecker interface {
	RequireStepUp(ctx context.Context, tenantID, userID string) error
}

// Result is returned to the caller, who embeds the watermark in the artifact.
type Result struct {
	RecordID  string    `json:"record_id"`
	ExportID  string    `json:"export_id"`
	Watermark Watermark `json:"watermark"`
	Remaining int       `json:"remaining"`
}

// Service gates export issuance.
type Service struct {
	store    Store
	guard    rbac.Authorizer
	stepUp   StepUpChecker
	audit    audit.Appender
	settings settings.Reader
	clock    clock.Clock
}

func NewService(store Store, guard rbac.Authorizer, stepUp StepUpChecker, auditor audit.Appender, cfg settings.Reader, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{store: store, guard: guard, stepUp: stepUp, audit: auditor, settings: cfg, clock: clk}
}

// CreateExport checks permission, step-up and the rolling rate limit, in that
// order, before recording the export. A failed precondition records nothing.
func (s *Service) CreateExport(ctx context.Context, tenantID, userID, exportType string, rc stepup.RequestContext) (Result, error) {
	exportType = strings.ToUpper(strings.TrimSpace(exportType))
	if exportType == "" {
		return Result{}, secerr.InvalidInput("export type is required")
	}
	if err := s.guard.RequirePermission(ctx, tenantID, userID, rbac.PermExportData); err != nil {
		obs.ExportResult("denied")
		return Result{}, err
	}
	if err := s.stepUp.RequireStepUp(ctx, tenantID, userID); err != nil {
		obs.ExportResult("step_up_required")
		return Result{}, err
	}
	cfg, err := s.settings.Get(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	limit := cfg.ExportRateLimit

	now := s.clock.Now().UTC()
	exportID := ids.NewRandomUUID()
	wm := Watermark{
		TenantID:   tenantID,
		UserID:     userID,
		Timestamp:  now,
		ExportType: exportType,
		ExportID:   exportID,
	}
	rec := Record{
		ID:         ids.New(),
		TenantID:   tenantID,
		UserID:     userID,
		ExportType: exportType,
		ExportID:   exportID,
		Watermark:  wm,
		IPAddress:  rc.IPAddress,
		UserAgent:  rc.UserAgent,
		CreatedAt:  now,
	}
	usage, err := s.store.InsertWithinLimit(ctx, rec, limit, now.Add(-Window))
	if errors.Is(err, ErrLimitReached) {
		obs.ExportResult("rate_limited")
		return Result{}, secerr.RateLimitExceeded(limit, 0, usage.Oldest.Add(Window))
	}
	if err != nil {
		return Result{}, err
	}

	if err := audit.Record(ctx, s.audit, tenantID, userID, ActionCreated, map[string]any{
		"export_id":   exportID,
		"export_type": exportType,
		"record_id":   rec.ID,
		"ip_address":  rc.IPAddress,
		"user_agent":  rc.UserAgent,
	}); err != nil {
		obs.ExportResult("audit_failed")
		// Never released, so the record is withdrawn.
		if derr := s.store.DeleteRecord(context.WithoutCancel(ctx), tenantID, rec.ID); derr != nil {
			obs.Error("export record withdraw failed", map[string]any{
				"tenant_id": tenantID,
				"record_id": rec.ID,
				"error":     derr.Error(),
			})
		}
		return Result{}, err
	}
	obs.ExportResult("created")
	return Result{
		RecordID:  rec.ID,
		ExportID:  exportID,
		Watermark: wm,
		Remaining: limit - usage.Count - 1,
	}, nil
}

// List returns the tenant's export records, newest first.
func (s *Service) List(ctx context.Context, tenantID string, f Filter) ([]Record, error) {
	out, err := s.store.ListRecords(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}
