package pg

import (
	"context"
	"database/sql"
	"errors"

	"retailgate.in/internal/settings"
)

func (s *Store) GetSecurityConfig(ctx context.Context, tenantID string) (settings.SecurityConfig, error) {
	var (
		cfg              = settings.SecurityConfig{TenantID: tenantID}
		refund, discount sql.NullInt64
		updatedBy        sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select refund_threshold, discount_threshold, export_rate_limit, step_up_timeout_minutes,
		       support_session_minutes, updated_by, updated_at
		from security_configs
		where tenant_id = $1
	`, tenantID).Scan(&refund, &discount, &cfg.ExportRateLimit, &cfg.StepUpTimeoutMinutes,
		&cfg.SupportSessionMinutes, &updatedBy, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.SecurityConfig{}, settings.ErrNotFound
	}
	if err != nil {
		return settings.SecurityConfig{}, err
	}
	cfg.RefundThreshold = int64Ptr(refund)
	cfg.DiscountThreshold = int64Ptr(discount)
	cfg.UpdatedBy = updatedBy.String
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, nil
}

func (s *Store) PutSecurityConfig(ctx context.Context, cfg settings.SecurityConfig) error {
	_, err := s.db.ExecContext(ctx, `
		insert into security_configs(tenant_id, refund_threshold, discount_threshold, export_rate_limit,
		                             step_up_timeout_minutes, support_session_minutes, updated_by, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (tenant_id) do update
		set refund_threshold = excluded.refund_threshold,
		    discount_threshold = excluded.discount_threshold,
		    export_rate_limit = excluded.export_rate_limit,
		    step_up_timeout_minutes = excluded.step_up_timeout_minutes,
		    support_session_minutes = excluded.support_session_minutes,
		    updated_by = excluded.updated_by,
		    updated_at = excluded.updated_at
	`, cfg.TenantID, nullInt64(cfg.RefundThreshold), nullInt64(cfg.DiscountThreshold), cfg.ExportRateLimit,
		cfg.StepUpTimeoutMinutes, cfg.SupportSessionMinutes, nullIfEmpty(cfg.UpdatedBy), cfg.UpdatedAt)
	return err
}
