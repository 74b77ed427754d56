// Package stepup issues and checks short-lived elevation sessions that prove a
// fresh identity check before sensitive operations.
package stepup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Method is the re-verification mechanism that produced a session.
type Method string

const (
	MethodPassword  Method = "PASSWORD"
	MethodTOTP      Method = "TOTP"
	MethodMagicLink Method = "MAGIC_LINK"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, bool) {
	switch m := Method(s); m {
	case MethodPassword, MethodTOTP, MethodMagicLink:
		return m, true
	}
	return "", false
}

// Session is valid while now < ExpiresAt. Sessions are never mutated.
type Session struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	Method     Method    `json:"method"`
	VerifiedAt time.Time `json:"verified_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// ValidAt reports whether the session is still valid at now. The expiry instant itself is expired.
func (s Session) ValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// RequestContext describes the client that performed the verification.
type RequestContext struct {
	IPAddress string
	UserAgent string
}

var ErrNotFound = errors.New("stepup: not found")

// Store persists step-up sessions.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	// LatestValidSession returns the valid session expiring last, or ErrNotFound.
	LatestValidSession(ctx context.Context, tenantID, userID string, now time.Time) (Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions []Session
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *MemoryStore) LatestValidSession(ctx context.Context, tenantID, userID string, now time.Time) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var valid []Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.UserID == userID && s.ValidAt(now) {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return Session{}, ErrNotFound
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].ExpiresAt.After(valid[j].ExpiresAt) })
	return valid[0], nil
}

func (m *MemoryStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.sessions[:0]
	var removed int64
	for _, s := range m.sessions {
		if s.ValidAt(now) {
			kept = append(kept, s)
			continue
		}
		removed++
	}
	m.sessions = kept
	return removed, nil
}
