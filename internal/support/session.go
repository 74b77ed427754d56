package support

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Scope of access granted to the support identity.
type Scope string

const (
	ScopeReadOnly    Scope = "READ_ONLY"
	ScopeDiagnostics Scope = "DIAGNOSTICS"
)

// ParseScope validates a scope name; empty means READ_ONLY.
func ParseScope(s string) (Scope, bool) {
	switch sc := Scope(s); sc {
	case "":
		return ScopeReadOnly, true
	case ScopeReadOnly, ScopeDiagnostics:
		return sc, true
	}
	return "", false
}

// Session is a time-boxed support grant. It is active only while IsActive is set
// and ExpiresAt is in the future.
type Session struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	EnabledBy     string     `json:"enabled_by"`
	SupportUserID string     `json:"support_user_id,omitempty"`
	Scope         Scope      `json:"scope"`
	IsActive      bool       `json:"is_active"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedBy     string     `json:"revoked_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ActiveAt reports whether the grant is in force at now.
func (s Session) ActiveAt(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

var ErrNotFound = errors.New("support: no active session")

// Store persists support sessions. At most one row per tenant may have IsActive set.
type Store interface {
	// ActivateSession deactivates any active session of the tenant, stamping
	// revokedAt, and inserts s, all atomically.
	ActivateSession(ctx context.Context, s Session, now time.Time) error
	// ActiveSession returns the tenant's flagged-active session, expired or not.
	ActiveSession(ctx context.Context, tenantID string) (Session, error)
	// RevokeSession deactivates the flagged-active session or returns ErrNotFound.
	RevokeSession(ctx context.Context, tenantID, revokedBy string, now time.Time) (Session, error)
	ListSessions(ctx context.Context, tenantID string, limit int) ([]Session, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Session)}
}

func (m *MemoryStore) ActivateSession(ctx context.Context, s Session, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sessions[s.TenantID]
	for i := range list {
		if list[i].IsActive {
			at := now
			list[i].IsActive = false
			list[i].RevokedAt = &at
			list[i].RevokedBy = s.EnabledBy
		}
	}
	m.sessions[s.TenantID] = append(list, s)
	return nil
}

func (m *MemoryStore) ActiveSession(ctx context.Context, tenantID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions[tenantID] {
		if s.IsActive {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemoryStore) RevokeSession(ctx context.Context, tenantID, revokedBy string, now time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.sessions[tenantID]
	for i := range list {
		if list[i].IsActive {
			at := now
			list[i].IsActive = false
			list[i].RevokedAt = &at
			list[i].RevokedBy = revokedBy
			return list[i], nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemoryStore) ListSessions(ctx context.Context, tenantID string, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Session(nil), m.sessions[tenantID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
