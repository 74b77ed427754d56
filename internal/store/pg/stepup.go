package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"retailgate.in/internal/stepup"
)

func (s *Store) CreateSession(ctx context.Context, sess stepup.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into step_up_sessions(id, tenant_id, user_id, method, verified_at, expires_at, ip_address, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.TenantID, sess.UserID, string(sess.Method), sess.VerifiedAt, sess.ExpiresAt,
		nullIfEmpty(sess.IPAddress), nullIfEmpty(sess.UserAgent))
	return err
}

func (s *Store) LatestValidSession(ctx context.Context, tenantID, userID string, now time.Time) (stepup.Session, error) {
	var (
		sess      = stepup.Session{TenantID: tenantID, UserID: userID}
		method    string
		ip, agent sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, method, verified_at, expires_at, ip_address, user_agent
		from step_up_sessions
		where tenant_id = $1 and user_id = $2 and expires_at > $3
		order by expires_at desc
		limit 1
	`, tenantID, userID, now).Scan(&sess.ID, &method, &sess.VerifiedAt, &sess.ExpiresAt, &ip, &agent)
	if errors.Is(err, sql.ErrNoRows) {
		return stepup.Session{}, stepup.ErrNotFound
	}
	if err != nil {
		return stepup.Session{}, err
	}
	sess.Method = stepup.Method(method)
	sess.VerifiedAt = sess.VerifiedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	sess.IPAddress = ip.String
	sess.UserAgent = agent.String
	return sess, nil
}

// DeleteExpiredSessions spans all tenants; it only removes rows no reader can use.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from step_up_sessions where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateMagicLink(ctx context.Context, link stepup.MagicLink) error {
	_, err := s.db.ExecContext(ctx, `
		insert into step_up_magic_links(token_hash, tenant_id, user_id, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, link.TokenHash, link.TenantID, link.UserID, link.ExpiresAt, link.CreatedAt)
	return err
}

func (s *Store) ConsumeMagicLink(ctx context.Context, tenantID, userID, tokenHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update step_up_magic_links
		set consumed_at = $4
		where tenant_id = $1 and user_id = $2 and token_hash = $3
		  and consumed_at is null and expires_at > $4
	`, tenantID, userID, tokenHash, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return stepup.ErrNotFound
	}
	return nil
}

// PutCredentials enrolls or replaces a user's step-up secrets. Empty values clear them.
func (s *Store) PutCredentials(ctx context.Context, tenantID, userID, passwordHash, totpSecret string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into step_up_credentials(tenant_id, user_id, password_hash, totp_secret, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (tenant_id, user_id) do update
		set password_hash = excluded.password_hash,
		    totp_secret = excluded.totp_secret,
		    updated_at = excluded.updated_at
	`, tenantID, userID, nullIfEmpty(passwordHash), nullIfEmpty(totpSecret))
	return err
}

func (s *Store) PasswordHash(ctx context.Context, tenantID, userID string) (string, error) {
	return s.credential(ctx, "password_hash", tenantID, userID)
}

func (s *Store) TOTPSecret(ctx context.Context, tenantID, userID string) (string, error) {
	return s.credential(ctx, "totp_secret", tenantID, userID)
}

func (s *Store) credential(ctx context.Context, column, tenantID, userID string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select `+column+`
		from step_up_credentials
		where tenant_id = $1 and user_id = $2
	`, tenantID, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !v.Valid) {
		return "", stepup.ErrNoCredentials
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}
