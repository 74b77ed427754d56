package pg

import (
	"context"
	"database/sql"
	"errors"

	"retailgate.in/internal/approval"
)

const actionColumns = `id, action_type, payload, created_by, status, approved_by, approved_at, executed_at,
	rejected_by, rejection_reason, expires_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner, tenantID string) (approval.Action, error) {
	var (
		a                      = approval.Action{TenantID: tenantID}
		payload                []byte
		status                 string
		approvedBy, rejectedBy sql.NullString
		reason                 sql.NullString
		approvedAt, executedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.ActionType, &payload, &a.CreatedBy, &status, &approvedBy, &approvedAt,
		&executedAt, &rejectedBy, &reason, &a.ExpiresAt, &a.CreatedAt); err != nil {
		return approval.Action{}, err
	}
	a.Payload = append([]byte(nil), payload...)
	a.Status = approval.Status(status)
	a.ApprovedBy = approvedBy.String
	a.ApprovedAt = timePtr(approvedAt)
	a.ExecutedAt = timePtr(executedAt)
	a.RejectedBy = rejectedBy.String
	a.RejectionReason = reason.String
	a.ExpiresAt = a.ExpiresAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *Store) CreateAction(ctx context.Context, a approval.Action) error {
	_, err := s.db.ExecContext(ctx, `
		insert into pending_actions(id, tenant_id, action_type, payload, created_by, status, expires_at, created_at)
		values ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
	`, a.ID, a.TenantID, a.ActionType, string(a.Payload), a.CreatedBy, string(a.Status), a.ExpiresAt, a.CreatedAt)
	return err
}

func (s *Store) GetAction(ctx context.Context, tenantID, id string) (approval.Action, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+actionColumns+`
		from pending_actions
		where tenant_id = $1 and id = $2
	`, tenantID, id)
	a, err := scanAction(row, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Action{}, approval.ErrNotFound
	}
	return a, err
}

func (s *Store) ListActions(ctx context.Context, tenantID string, f approval.Filter) ([]approval.Action, error) {
	w := newWhere(tenantID)
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.ActionType != "" {
		w.add("action_type = ?", f.ActionType)
	}
	if f.CreatedBy != "" {
		w.add("created_by = ?", f.CreatedBy)
	}
	query := `
		select ` + actionColumns + `
		from pending_actions
		where ` + w.String() + `
		order by created_at desc, id desc`
	if f.Limit > 0 {
		query += ` limit ` + w.next(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []approval.Action
	for rows.Next() {
		a, err := scanAction(rows, tenantID)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionAction is a compare-and-set on status; concurrent deciders see ErrStale.
func (s *Store) TransitionAction(ctx context.Context, tenantID, id string, from approval.Status, t approval.Transition) (approval.Action, error) {
	row := s.db.QueryRowContext(ctx, `
		update pending_actions
		set status = $4,
		    approved_by = $5,
		    approved_at = $6,
		    executed_at = $7,
		    rejected_by = $8,
		    rejection_reason = $9
		where tenant_id = $1 and id = $2 and status = $3
		returning `+actionColumns,
		tenantID, id, string(from), string(t.To), nullIfEmpty(t.ApprovedBy), nullTime(t.ApprovedAt),
		nullTime(t.ExecutedAt), nullIfEmpty(t.RejectedBy), nullIfEmpty(t.RejectionReason))
	a, err := scanAction(row, tenantID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return approval.Action{}, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from pending_actions where tenant_id = $1 and id = $2)
	`, tenantID, id).Scan(&exists); err != nil {
		return approval.Action{}, err
	}
	if !exists {
		return approval.Action{}, approval.ErrNotFound
	}
	return approval.Action{}, approval.ErrStale
}
