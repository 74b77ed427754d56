// Package approval implements dual control: actions above a threshold are queued
// as pending actions and need a second, permitted user to approve them.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// Status of a pending action. PENDING is the only non-terminal state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool { return s != StatusPending }

// Action types with a configurable threshold.
const (
	TypeRefund   = "REFUND"
	TypeDiscount = "DISCOUNT"
)

// Action is a queued request awaiting a second pair of eyes. Payload holds
// everything needed to execute it later.
type Action struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	ActionType      string          `json:"action_type"`
	Payload         json.RawMessage `json:"payload"`
	CreatedBy       string          `json:"created_by"`
	Status          Status          `json:"status"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	RejectedBy      string          `json:"rejected_by,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Transition is the change applied when leaving PENDING.
type Transition struct {
	To              Status
	ApprovedBy      string
	ApprovedAt      *time.Time
	ExecutedAt      *time.Time
	RejectedBy      string
	RejectionReason string
}

// Filter narrows List. Zero values disable a criterion.
type Filter struct {
	Status     Status
	ActionType string
	CreatedBy  string
	Limit      int
}

var (
	ErrNotFound = errors.New("approval: action not found")
	// ErrStale means the action was no longer in the expected state.
	ErrStale = errors.New("approval: action state changed")
)

// Store persists pending actions.
type Store interface {
	CreateAction(ctx context.Context, a Action) error
	GetAction(ctx context.Context, tenantID, id string) (Action, error)
	ListActions(ctx context.Context, tenantID string, f Filter) ([]Action, error)
	// TransitionAction applies t only if the action is still in state from,
	// returning ErrStale otherwise.
	TransitionAction(ctx context.Context, tenantID, id string, from Status, t Transition) (Action, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]Action
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]Action)}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func (m *MemoryStore) CreateAction(ctx context.Context, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[key(a.TenantID, a.ID)] = a
	return nil
}

func (m *MemoryStore) GetAction(ctx context.Context, tenantID, id string) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[key(tenantID, id)]
	if !ok {
		return Action{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) ListActions(ctx context.Context, tenantID string, f Filter) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Action
	for _, a := range m.actions {
		if a.TenantID != tenantID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.ActionType != "" && a.ActionType != f.ActionType {
			continue
		}
		if f.CreatedBy != "" && a.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) TransitionAction(ctx context.Context, tenantID, id string, from Status, t Transition) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tenantID, id)
	a, ok := m.actions[k]
	if !ok {
		return Action{}, ErrNotFound
	}
	if a.Status != from {
		return Action{}, ErrStale
	}
	a.Status = t.To
	a.ApprovedBy = t.ApprovedBy
	a.ApprovedAt = t.ApprovedAt
	a.ExecutedAt = t.ExecutedAt
	a.RejectedBy = t.RejectedBy
	a.RejectionReason = t.RejectionReason
	m.actions[k] = a
	return a, nil
}
