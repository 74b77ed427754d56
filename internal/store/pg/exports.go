package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"retailgate.in/internal/export"
)

// InsertWithinLimit counts and inserts under a per-user advisory lock so
// concurrent exports cannot both observe the last free slot.
func (s *Store) InsertWithinLimit(ctx context.Context, rec export.Record, limit int, windowStart time.Time) (export.Usage, error) {
	watermark, err := json.Marshal(rec.Watermark)
	if err != nil {
		return export.Usage{}, fmt.Errorf("encode watermark: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return export.Usage{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext('export:' || $1 || ':' || $2))`,
		rec.TenantID, rec.UserID); err != nil {
		return export.Usage{}, err
	}

	var (
		u      export.Usage
		oldest sql.NullTime
	)
	if err := tx.QueryRowContext(ctx, `
		select count(*), min(created_at)
		from export_records
		where tenant_id = $1 and user_id = $2 and created_at > $3
	`, rec.TenantID, rec.UserID, windowStart).Scan(&u.Count, &oldest); err != nil {
		return export.Usage{}, err
	}
	if oldest.Valid {
		u.Oldest = oldest.Time.UTC()
	}
	if u.Count >= limit {
		return u, export.ErrLimitReached
	}

	if _, err := tx.ExecContext(ctx, `
		insert into export_records(id, tenant_id, user_id, export_type, export_id, file_path, watermark, ip_address, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
	`, rec.ID, rec.TenantID, rec.UserID, rec.ExportType, rec.ExportID, nullIfEmpty(rec.FilePath), string(watermark),
		nullIfEmpty(rec.IPAddress), nullIfEmpty(rec.UserAgent), rec.CreatedAt); err != nil {
		return export.Usage{}, err
	}
	if err := tx.Commit(); err != nil {
		return export.Usage{}, err
	}
	return u, nil
}

func (s *Store) ListRecords(ctx context.Context, tenantID string, f export.Filter) ([]export.Record, error) {
	w := newWhere(tenantID)
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= ?", f.Since)
	}
	query := `
		select id, user_id, export_type, export_id::text, file_path, watermark, ip_address, user_agent, created_at
		from export_records
		where ` + w.String() + `
		order by created_at desc`
	if f.Limit > 0 {
		query += ` limit ` + w.next(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []export.Record
	for rows.Next() {
		var (
			rec                 = export.Record{TenantID: tenantID}
			filePath, ip, agent sql.NullString
			watermark           []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ExportType, &rec.ExportID, &filePath, &watermark, &ip, &agent,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(watermark, &rec.Watermark); err != nil {
			return nil, fmt.Errorf("decode watermark %s: %w", rec.ID, err)
		}
		rec.FilePath = filePath.String
		rec.IPAddress = ip.String
		rec.UserAgent = agent.String
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRecord(ctx context.Context, tenantID, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from export_records where tenant_id = $1 and id = $2`, tenantID, id)
	return err
}
