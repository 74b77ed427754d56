package export

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Watermark identifies who exported what and when. Renderers embed it in the artifact.
type Watermark struct {
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	Timestamp  time.Time `json:"timestamp"`
	ExportType string    `json:"export_type"`
	ExportID   string    `json:"export_id"`
}

// Record is the trail of an issued export. Records also drive rate limiting.
type Record struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	ExportType string    `json:"export_type"`
	ExportID   string    `json:"export_id"`
	FilePath   string    `json:"file_path,omitempty"`
	Watermark  Watermark `json:"watermark"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Usage is the export count of one user inside the rate window.
type Usage struct {
	Count  int
	Oldest time.Time
}

// ErrLimitReached is returned by InsertWithinLimit when the window is full.
var ErrLimitReached = errors.New("export: rate limit reached")

// Filter narrows ListRecords.
type Filter struct {
	UserID string
	Since  time.Time
	Limit  int
}

// Store persists export records.
type Store interface {
	// InsertWithinLimit counts the user's records created after windowStart
	// and inserts rec only if the count is below limit, atomically. It returns the
	// usage observed before the insert.
	InsertWithinLimit(ctx context.Context, rec Record, limit int, windowStart time.Time) (Usage, error)
	ListRecords(ctx context.Context, tenantID string, f Filter) ([]Record, error)
	// DeleteRecord withdraws a record whose export was never released.
	DeleteRecord(ctx context.Context, tenantID, id string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) InsertWithinLimit(ctx context.Context, rec Record, limit int, windowStart time.Time) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var u Usage
	for _, r := range m.records {
		if r.TenantID != rec.TenantID || r.UserID != rec.UserID || !r.CreatedAt.After(windowStart) {
			continue
		}
		if u.Count == 0 || r.CreatedAt.Before(u.Oldest) {
			u.Oldest = r.CreatedAt
		}
		u.Count++
	}
	if u.Count >= limit {
		return u, ErrLimitReached
	}
	m.records = append(m.records, rec)
	return u, nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, tenantID string, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.TenantID != tenantID {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteRecord(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.TenantID == tenantID && r.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return nil
}
