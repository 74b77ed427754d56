package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"retailgate.in/internal/rbac"
)

func (s *Store) RolesForUser(ctx context.Context, tenantID, userID string) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select role
		from user_roles
		where tenant_id = $1 and user_id = $2
		order by role asc
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, rbac.Role(role))
	}
	return roles, rows.Err()
}

func (s *Store) UpsertAssignment(ctx context.Context, a rbac.Assignment) (rbac.Assignment, bool, error) {
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	var assignedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		insert into user_roles(tenant_id, user_id, role, assigned_by, assigned_at)
		values ($1, $2, $3, $4, $5)
		on conflict (tenant_id, user_id, role) do nothing
		returning assigned_at
	`, a.TenantID, a.UserID, string(a.Role), nullIfEmpty(a.AssignedBy), a.AssignedAt).Scan(&assignedAt)
	if err == nil {
		a.AssignedAt = assignedAt.UTC()
		return a, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return rbac.Assignment{}, false, err
	}

	existing, err := s.assignment(ctx, a.TenantID, a.UserID, a.Role)
	if err != nil {
		return rbac.Assignment{}, false, err
	}
	return existing, false, nil
}

func (s *Store) assignment(ctx context.Context, tenantID, userID string, role rbac.Role) (rbac.Assignment, error) {
	var (
		a          = rbac.Assignment{TenantID: tenantID, UserID: userID, Role: role}
		assignedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select assigned_by, assigned_at
		from user_roles
		where tenant_id = $1 and user_id = $2 and role = $3
	`, tenantID, userID, string(role)).Scan(&assignedBy, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Assignment{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Assignment{}, err
	}
	a.AssignedBy = assignedBy.String
	a.AssignedAt = a.AssignedAt.UTC()
	return a, nil
}

func (s *Store) DeleteAssignment(ctx context.Context, tenantID, userID string, role rbac.Role) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles
		where tenant_id = $1 and user_id = $2 and role = $3
	`, tenantID, userID, string(role))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

func (s *Store) ListAssignments(ctx context.Context, tenantID, userID string) ([]rbac.Assignment, error) {
	w := newWhere(tenantID)
	if userID != "" {
		w.add("user_id = ?", userID)
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, role, assigned_by, assigned_at
		from user_roles
		where `+w.String()+`
		order by user_id asc, role asc
	`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rbac.Assignment
	for rows.Next() {
		var (
			a          = rbac.Assignment{TenantID: tenantID}
			role       string
			assignedBy sql.NullString
		)
		if err := rows.Scan(&a.UserID, &role, &assignedBy, &a.AssignedAt); err != nil {
			return nil, err
		}
		a.Role = rbac.Role(role)
		a.AssignedBy = assignedBy.String
		a.AssignedAt = a.AssignedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
