package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"retailgate.in/internal/audit"
)

// AppendChained serializes appends per tenant on the audit_chain_heads row.
func (s *Store) AppendChained(ctx context.Context, tenantID string, build audit.BuildFunc) (audit.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into audit_chain_heads(tenant_id, last_seq, last_hash)
		values ($1, 0, '')
		on conflict (tenant_id) do nothing
	`, tenantID); err != nil {
		return audit.Entry{}, err
	}

	var (
		lastSeq  int64
		lastHash string
	)
	if err := tx.QueryRowContext(ctx, `
		select last_seq, last_hash
		from audit_chain_heads
		where tenant_id = $1
		for update
	`, tenantID).Scan(&lastSeq, &lastHash); err != nil {
		return audit.Entry{}, err
	}

	e, err := build(lastHash, lastSeq+1)
	if err != nil {
		return audit.Entry{}, err
	}
	if e.TenantID != tenantID || e.Seq != lastSeq+1 || e.PrevHash != lastHash {
		return audit.Entry{}, audit.ErrSeqConflict
	}

	if _, err := tx.ExecContext(ctx, `
		insert into audit_log(id, tenant_id, seq, actor_user_id, action, meta, meta_raw, prev_hash, hash, created_at)
		values ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
	`, e.ID, e.TenantID, e.Seq, nullIfEmpty(e.ActorUserID), e.Action, string(e.Meta), string(e.Meta),
		e.PrevHash, e.Hash, e.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return audit.Entry{}, fmt.Errorf("%w: %v", audit.ErrSeqConflict, err)
		}
		return audit.Entry{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update audit_chain_heads
		set last_seq = $2, last_hash = $3, updated_at = $4
		where tenant_id = $1
	`, tenantID, e.Seq, e.Hash, e.CreatedAt); err != nil {
		return audit.Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

func (s *Store) List(ctx context.Context, tenantID string, f audit.Filter) ([]audit.Entry, error) {
	w := newWhere(tenantID)
	if f.Action != "" {
		w.add("action = ?", f.Action)
	}
	if f.ActorUserID != "" {
		w.add("actor_user_id = ?", f.ActorUserID)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		w.add("created_at < ?", f.Until)
	}
	if f.AfterSeq > 0 {
		w.add("seq > ?", f.AfterSeq)
	}
	query := `
		select id, seq, actor_user_id, action, meta_raw, prev_hash, hash, created_at
		from audit_log
		where ` + w.String() + `
		order by seq asc`
	if f.Limit > 0 {
		query += ` limit ` + w.next(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e     = audit.Entry{TenantID: tenantID}
			actor sql.NullString
			meta  string
		)
		if err := rows.Scan(&e.ID, &e.Seq, &actor, &e.Action, &meta, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorUserID = actor.String
		e.Meta = json.RawMessage(meta)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
