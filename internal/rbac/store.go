package rbac

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("rbac: assignment not found")

// Assignment grants a role to a user within a tenant.
type Assignment struct {
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	Role       Role      `json:"role"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Store is the permission store: tenant → user → roles.
type Store interface {
	RolesForUser(ctx context.Context, tenantID, userID string) ([]Role, error)
	// UpsertAssignment is idempotent per (tenant, user, role). created is false when
	// the assignment already existed; the stored row is returned either way.
	UpsertAssignment(ctx context.Context, a Assignment) (stored Assignment, created bool, err error)
	// DeleteAssignment returns ErrNotFound when no such assignment exists.
	DeleteAssignment(ctx context.Context, tenantID, userID string, role Role) error
	// ListAssignments lists a tenant's assignments, optionally narrowed to one user.
	ListAssignments(ctx context.Context, tenantID, userID string) ([]Assignment, error)
}

type assignmentKey struct {
	tenantID string
	userID   string
	role     Role
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[assignmentKey]Assignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assignments: make(map[assignmentKey]Assignment)}
}

func (s *MemoryStore) RolesForUser(ctx context.Context, tenantID, userID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var roles []Role
	for k := range s.assignments {
		if k.tenantID == tenantID && k.userID == userID {
			roles = append(roles, k.role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles, nil
}

func (s *MemoryStore) UpsertAssignment(ctx context.Context, a Assignment) (Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := assignmentKey{a.TenantID, a.UserID, a.Role}
	if existing, ok := s.assignments[k]; ok {
		return existing, false, nil
	}
	s.assignments[k] = a
	return a, true, nil
}

func (s *MemoryStore) DeleteAssignment(ctx context.Context, tenantID, userID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := assignmentKey{tenantID, userID, role}
	if _, ok := s.assignments[k]; !ok {
		return ErrNotFound
	}
	delete(s.assignments, k)
	return nil
}

func (s *MemoryStore) ListAssignments(ctx context.Context, tenantID, userID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for k, a := range s.assignments {
		if k.tenantID != tenantID || (userID != "" && k.userID != userID) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Role < out[j].Role
	})
	return out, nil
}
