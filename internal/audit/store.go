package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrInvalidEntry = errors.New("audit: invalid entry")
	ErrSeqConflict  = errors.New("audit: sequence conflict")
)

// BuildFunc produces the next entry given the tenant's current chain head.
type BuildFunc func(prevHash string, seq int64) (Entry, error)

// Store persists audit chains. AppendChained must run build and the insert inside
// the tenant's serialization point so no two entries observe the same head.
type Store interface {
	AppendChained(ctx context.Context, tenantID string, build BuildFunc) (Entry, error)
	List(ctx context.Context, tenantID string, f Filter) ([]Entry, error)
}

// Filter narrows a chain listing. Zero values disable a criterion; Limit 0 means unbounded.
type Filter struct {
	Action      string
	ActorUserID string
	Since       time.Time
	Until       time.Time
	AfterSeq    int64
	Limit       int
}

// Match reports whether e satisfies the filter criteria other than Limit.
func (f Filter) Match(e Entry) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ActorUserID != "" && e.ActorUserID != f.ActorUserID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return e.Seq > f.AfterSeq
}

// MemoryStore keeps chains in process. Appends are serialized per tenant only.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantChain
}

type tenantChain struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantChain)}
}

func (s *MemoryStore) chain(tenantID string) *tenantChain {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tenants[tenantID]
	if !ok {
		tc = &tenantChain{}
		s.tenants[tenantID] = tc
	}
	return tc
}

func (s *MemoryStore) AppendChained(ctx context.Context, tenantID string, build BuildFunc) (Entry, error) {
	tc := s.chain(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	prev := ""
	seq := int64(len(tc.entries)) + 1
	if n := len(tc.entries); n > 0 {
		prev = tc.entries[n-1].Hash
	}
	e, err := build(prev, seq)
	if err != nil {
		return Entry{}, err
	}
	if e.TenantID != tenantID || e.Seq != seq || e.PrevHash != prev {
		return Entry{}, ErrSeqConflict
	}
	tc.entries = append(tc.entries, e)
	return e, nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID string, f Filter) ([]Entry, error) {
	tc := s.chain(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	var out []Entry
	for _, e := range tc.entries {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
