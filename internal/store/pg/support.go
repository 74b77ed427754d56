package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"retailgate.in/internal/support"
)

const supportColumns = `id, enabled_by, support_user_id, scope, is_active, expires_at, revoked_at, revoked_by, created_at`

var errSupportConflict = errors.New("pg: concurrent support session activation")

func scanSupport(row rowScanner, tenantID string) (support.Session, error) {
	var (
		sess                   = support.Session{TenantID: tenantID}
		supportUser, revokedBy sql.NullString
		scope                  string
		revokedAt              sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.EnabledBy, &supportUser, &scope, &sess.IsActive, &sess.ExpiresAt,
		&revokedAt, &revokedBy, &sess.CreatedAt); err != nil {
		return support.Session{}, err
	}
	sess.SupportUserID = supportUser.String
	sess.Scope = support.Scope(scope)
	sess.RevokedAt = timePtr(revokedAt)
	sess.RevokedBy = revokedBy.String
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	sess.CreatedAt = sess.CreatedAt.UTC()
	return sess, nil
}

// ActivateSession replaces the tenant's active grant. Enables for the same
// tenant are serialized by a transaction-scoped advisory lock; the partial
// unique index on (tenant_id) where is_active backs it up.
func (s *Store) ActivateSession(ctx context.Context, sess support.Session, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext('support:' || $1))`, sess.TenantID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update support_sessions
		set is_active = false, revoked_at = $2, revoked_by = $3
		where tenant_id = $1 and is_active
	`, sess.TenantID, now, nullIfEmpty(sess.EnabledBy)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into support_sessions(id, tenant_id, enabled_by, support_user_id, scope, is_active, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.TenantID, sess.EnabledBy, nullIfEmpty(sess.SupportUserID), string(sess.Scope), sess.IsActive,
		sess.ExpiresAt, sess.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", errSupportConflict, err)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) ActiveSession(ctx context.Context, tenantID string) (support.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+supportColumns+`
		from support_sessions
		where tenant_id = $1 and is_active
	`, tenantID)
	sess, err := scanSupport(row, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return support.Session{}, support.ErrNotFound
	}
	return sess, err
}

func (s *Store) RevokeSession(ctx context.Context, tenantID, revokedBy string, now time.Time) (support.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		update support_sessions
		set is_active = false, revoked_at = $2, revoked_by = $3
		where tenant_id = $1 and is_active
		returning `+supportColumns,
		tenantID, now, nullIfEmpty(revokedBy))
	sess, err := scanSupport(row, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return support.Session{}, support.ErrNotFound
	}
	return sess, err
}

func (s *Store) ListSessions(ctx context.Context, tenantID string, limit int) ([]support.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+supportColumns+`
		from support_sessions
		where tenant_id = $1
		order by created_at desc
		limit $2
	`, tenantID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []support.Session
	for rows.Next() {
		sess, err := scanSupport(rows, tenantID)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
