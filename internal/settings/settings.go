// Package settings holds the per-tenant security tunables read by the approval,
// step-up, support and export components.
package settings

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"

	"retailgate.in/internal/audit"
	"retailgate.in/internal/obs"
	"retailgate.in/internal/rbac"
	"retailgate.in/internal/secerr"
)

const ActionConfigUpdated = "SECURITY_CONFIG_UPDATED"

// Upper bounds accepted by Update.
const (
	MaxExportRateLimit = 1000
	MaxTimeoutMinutes  = 1440
)

// SecurityConfig is one tenant's effective configuration. A nil threshold means
// no approval gate is configured for that action class.
type SecurityConfig struct {
	TenantID              string    `json:"tenant_id"`
	RefundThreshold       *int64    `json:"refund_threshold"`
	DiscountThreshold     *int64    `json:"discount_threshold"`
	ExportRateLimit       int       `json:"export_rate_limit"`
	StepUpTimeoutMinutes  int       `json:"step_up_timeout_minutes"`
	SupportSessionMinutes int       `json:"support_session_minutes"`
	UpdatedBy             string    `json:"updated_by,omitempty"`
	UpdatedAt             time.Time `json:"updated_at,omitempty"`
}

// StepUpTimeout returns the step-up session lifetime.
func (c SecurityConfig) StepUpTimeout() time.Duration {
	return time.Duration(c.StepUpTimeoutMinutes) * time.Minute
}

// Defaults apply to tenants without a stored configuration.
type Defaults struct {
	RefundThreshold       *int64
	DiscountThreshold     *int64
	ExportRateLimit       int
	StepUpTimeoutMinutes  int
	SupportSessionMinutes int
}

// BuiltinDefaults are used when the service configuration supplies none.
func BuiltinDefaults() Defaults {
	return Defaults{ExportRateLimit: 10, StepUpTimeoutMinutes: 10, SupportSessionMinutes: 60}
}

// Reader is the read side consumed by the other components.
type Reader interface {
	Get(ctx context.Context, tenantID string) (SecurityConfig, error)
}

// ErrNotFound is returned by stores for tenants without a stored configuration.
var ErrNotFound = errors.New("settings: not found")

// Store persists complete tenant configurations.
type Store interface {
	GetSecurityConfig(ctx context.Context, tenantID string) (SecurityConfig, error)
	PutSecurityConfig(ctx context.Context, cfg SecurityConfig) error
}

// Update carries the fields to change. Nil pointers leave a field untouched;
// the Clear flags unset a threshold.
type Update struct {
	RefundThreshold        *int64 `json:"refund_threshold,omitempty"`
	ClearRefundThreshold   bool   `json:"clear_refund_threshold,omitempty"`
	DiscountThreshold      *int64 `json:"discount_threshold,omitempty"`
	ClearDiscountThreshold bool   `json:"clear_discount_threshold,omitempty"`
	ExportRateLimit        *int   `json:"export_rate_limit,omitempty"`
	StepUpTimeoutMinutes   *int   `json:"step_up_timeout_minutes,omitempty"`
	SupportSessionMinutes  *int   `json:"support_session_minutes,omitempty"`
}

// Service reads and updates tenant security configuration.
type Service struct {
	store    Store
	guard    rbac.Authorizer
	audit    audit.Appender
	defaults Defaults
	clock    clock.Clock
}

func NewService(store Store, guard rbac.Authorizer, auditor audit.Appender, defaults Defaults, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{store: store, guard: guard, audit: auditor, defaults: defaults, clock: clk}
}

func (s *Service) fromDefaults(tenantID string) SecurityConfig {
	return SecurityConfig{
		TenantID:              tenantID,
		RefundThreshold:       copyInt64(s.defaults.RefundThreshold),
		DiscountThreshold:     copyInt64(s.defaults.DiscountThreshold),
		ExportRateLimit:       s.defaults.ExportRateLimit,
		StepUpTimeoutMinutes:  s.defaults.StepUpTimeoutMinutes,
		SupportSessionMinutes: s.defaults.SupportSessionMinutes,
	}
}

// Get returns the tenant's stored configuration, or the defaults.
// Zero numeric values in a stored row fall back to the defaults.
func (s *Service) Get(ctx context.Context, tenantID string) (SecurityConfig, error) {
	stored, err := s.store.GetSecurityConfig(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return s.fromDefaults(tenantID), nil
	}
	if err != nil {
		return SecurityConfig{}, err
	}
	base := s.fromDefaults(tenantID)
	if stored.ExportRateLimit <= 0 {
		stored.ExportRateLimit = base.ExportRateLimit
	}
	if stored.StepUpTimeoutMinutes <= 0 {
		stored.StepUpTimeoutMinutes = base.StepUpTimeoutMinutes
	}
	if stored.SupportSessionMinutes <= 0 {
		stored.SupportSessionMinutes = base.SupportSessionMinutes
	}
	stored.TenantID = tenantID
	return stored, nil
}

// Update applies u on behalf of actorID, who needs MANAGE_SETTINGS, and audits
// the before and after values.
func (s *Service) Update(ctx context.Context, tenantID, actorID string, u Update) (SecurityConfig, error) {
	if err := s.guard.RequirePermission(ctx, tenantID, actorID, rbac.PermManageSettings); err != nil {
		return SecurityConfig{}, err
	}
	if err := u.validate(); err != nil {
		return SecurityConfig{}, err
	}
	before, err := s.Get(ctx, tenantID)
	if err != nil {
		return SecurityConfig{}, err
	}
	after := before
	after.RefundThreshold = copyInt64(before.RefundThreshold)
	after.DiscountThreshold = copyInt64(before.DiscountThreshold)
	switch {
	case u.ClearRefundThreshold:
		after.RefundThreshold = nil
	case u.RefundThreshold != nil:
		after.RefundThreshold = copyInt64(u.RefundThreshold)
	}
	switch {
	case u.ClearDiscountThreshold:
		after.DiscountThreshold = nil
	case u.DiscountThreshold != nil:
		after.DiscountThreshold = copyInt64(u.DiscountThreshold)
	}
	if u.ExportRateLimit != nil {
		after.ExportRateLimit = *u.ExportRateLimit
	}
	if u.StepUpTimeoutMinutes != nil {
		after.StepUpTimeoutMinutes = *u.StepUpTimeoutMinutes
	}
	if u.SupportSessionMinutes != nil {
		after.SupportSessionMinutes = *u.SupportSessionMinutes
	}
	after.UpdatedBy = actorID
	after.UpdatedAt = s.clock.Now().UTC()

	if err := audit.Record(ctx, s.audit, tenantID, actorID, ActionConfigUpdated, map[string]any{
		"before": before,
		"after":  after,
	}); err != nil {
		return SecurityConfig{}, err
	}
	if err := s.store.PutSecurityConfig(ctx, after); err != nil {
		return SecurityConfig{}, err
	}
	obs.Info("security config updated", map[string]any{"tenant_id": tenantID, "actor": actorID})
	return after, nil
}

func (u Update) validate() error {
	if u.RefundThreshold != nil && *u.RefundThreshold < 0 {
		return secerr.InvalidInput("refund_threshold must not be negative")
	}
	if u.DiscountThreshold != nil && *u.DiscountThreshold < 0 {
		return secerr.InvalidInput("discount_threshold must not be negative")
	}
	if u.ExportRateLimit != nil && (*u.ExportRateLimit < 1 || *u.ExportRateLimit > MaxExportRateLimit) {
		return secerr.InvalidInput("export_rate_limit must be between 1 and %d", MaxExportRateLimit)
	}
	if u.StepUpTimeoutMinutes != nil && (*u.StepUpTimeoutMinutes < 1 || *u.StepUpTimeoutMinutes > MaxTimeoutMinutes) {
		return secerr.InvalidInput("step_up_timeout_minutes must be between 1 and %d", MaxTimeoutMinutes)
	}
	if u.SupportSessionMinutes != nil && (*u.SupportSessionMinutes < 1 || *u.SupportSessionMinutes > MaxTimeoutMinutes) {
		return secerr.InvalidInput("support_session_minutes must be between 1 and %d", MaxTimeoutMinutes)
	}
	return nil
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]SecurityConfig
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]SecurityConfig)}
}

func (m *MemoryStore) GetSecurityConfig(ctx context.Context, tenantID string) (SecurityConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return SecurityConfig{}, ErrNotFound
	}
	cfg.RefundThreshold = copyInt64(cfg.RefundThreshold)
	cfg.DiscountThreshold = copyInt64(cfg.DiscountThreshold)
	return cfg, nil
}

func (m *MemoryStore) PutSecurityConfig(ctx context.Context, cfg SecurityConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.RefundThreshold = copyInt64(cfg.RefundThreshold)
	cfg.DiscountThreshold = copyInt64(cfg.DiscountThreshold)
	m.configs[cfg.TenantID] = cfg
	return nil
}
