// Package pg implements the control-plane stores on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"retailgate.in/internal/approval"
	"retailgate.in/internal/audit"
	"retailgate.in/internal/export"
	"retailgate.in/internal/rbac"
	"retailgate.in/internal/settings"
	"retailgate.in/internal/stepup"
	"retailgate.in/internal/support"
)

const (
	pgErrUniqueViolation = "23505"
	defaultListLimit     = 100
)

type Store struct {
	db *sql.DB
}

var (
	_ rbac.Store              = (*Store)(nil)
	_ audit.Store             = (*Store)(nil)
	_ stepup.Store            = (*Store)(nil)
	_ stepup.MagicLinkStore   = (*Store)(nil)
	_ stepup.CredentialSource = (*Store)(nil)
	_ approval.Store          = (*Store)(nil)
	_ support.Store           = (*Store)(nil)
	_ export.Store            = (*Store)(nil)
	_ settings.Store          = (*Store)(nil)
)

// Option tunes the connection pool opened by Open.
type Option func(*sql.DB)

// WithMaxOpenConns caps open connections; idle connections are kept at half.
func WithMaxOpenConns(n int) Option {
	return func(db *sql.DB) {
		if n > 0 {
			db.SetMaxOpenConns(n)
			db.SetMaxIdleConns((n + 1) / 2)
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	for _, opt := range opts {
		opt(db)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == pgErrUniqueViolation
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// whereBuilder accumulates tenant-scoped predicates with positional args.
type whereBuilder struct {
	clauses []string
	args    []any
}

func newWhere(tenantID string) *whereBuilder {
	return &whereBuilder{clauses: []string{"tenant_id = $1"}, args: []any{tenantID}}
}

func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", placeholder(len(w.args))))
}

func (w *whereBuilder) next(arg any) string {
	w.args = append(w.args, arg)
	return placeholder(len(w.args))
}

func (w *whereBuilder) String() string { return strings.Join(w.clauses, " and ") }

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
