// Package audit implements the per-tenant, hash-linked, append-only audit log.
package audit

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/juju/clock"

	"retailgate.in/internal/ids"
	"retailgate.in/internal/obs"
	"retailgate.in/internal/secerr"
)

// Appender is the write side of the audit chain used by the other components.
type Appender interface {
	Append(ctx context.Context, tenantID, actorUserID, action string, meta any) (string, error)
}

// Record appends through a. Failures not already classified are reported as
// AUDIT_WRITE_FAILURE so callers can abort uniformly.
func Record(ctx context.Context, a Appender, tenantID, actorUserID, action string, meta any) error {
	_, err := a.Append(ctx, tenantID, actorUserID, action, meta)
	if err == nil {
		return nil
	}
	var se *secerr.Error
	if errors.As(err, &se) {
		return err
	}
	return secerr.AuditWriteFailure(err)
}

// Reasons reported for divergent entries.
const (
	ReasonHashMismatch     = "hash_mismatch"
	ReasonPrevHashMismatch = "prev_hash_mismatch"
	ReasonSeqGap           = "sequence_gap"
	ReasonMetaUnreadable   = "meta_unreadable"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// InvalidEntry describes one divergence found while verifying a chain.
type InvalidEntry struct {
	ID           string   `json:"id"`
	Seq          int64    `json:"seq"`
	StoredHash   string   `json:"stored_hash"`
	ExpectedHash string   `json:"expected_hash"`
	StoredPrev   string   `json:"stored_prev_hash"`
	ExpectedPrev string   `json:"expected_prev_hash"`
	Reasons      []string `json:"reasons"`
}

// IntegrityReport is the result of walking a tenant chain from its first entry.
type IntegrityReport struct {
	TenantID       string         `json:"tenant_id"`
	Valid          bool           `json:"valid"`
	Checked        int            `json:"checked"`
	InvalidEntries []InvalidEntry `json:"invalid_entries"`
	VerifiedAt     time.Time      `json:"verified_at"`
}

// Page is one slice of a chain query. NextAfterSeq is zero when no more entries follow.
type Page struct {
	Entries      []Entry `json:"entries"`
	NextAfterSeq int64   `json:"next_after_seq,omitempty"`
}

// ExportBundle is a date-ranged extract accompanied by a fresh integrity report.
type ExportBundle struct {
	TenantID   string          `json:"tenant_id"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Entries    []Entry         `json:"entries"`
	Integrity  IntegrityReport `json:"integrity"`
	ExportedAt time.Time       `json:"exported_at"`
}

// Publisher receives every entry after it is committed.
type Publisher interface {
	Publish(e Entry)
}

// Chain is the audit chain service.
type Chain struct {
	store     Store
	clock     clock.Clock
	publisher Publisher
}

func NewChain(store Store, clk clock.Clock) *Chain {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Chain{store: store, clock: clk}
}

// SetPublisher installs p as the live feed of committed entries. Only appends
// made through this Chain are published.
func (c *Chain) SetPublisher(p Publisher) { c.publisher = p }

// Append records one event and returns its entry id. Any storage failure is
// reported as AUDIT_WRITE_FAILURE and must abort the calling operation.
func (c *Chain) Append(ctx context.Context, tenantID, actorUserID, action string, meta any) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	action = strings.TrimSpace(action)
	actorUserID = strings.TrimSpace(actorUserID)
	if tenantID == "" || action == "" {
		return "", secerr.InvalidInput("audit: tenant and action are required")
	}
	canonical, err := CanonicalJSON(meta)
	if err != nil {
		return "", secerr.InvalidInput("audit: %v", err)
	}
	createdAt := NormalizeTime(c.clock.Now())

	entry, err := c.store.AppendChained(ctx, tenantID, func(prevHash string, seq int64) (Entry, error) {
		return Entry{
			ID:          ids.New(),
			TenantID:    tenantID,
			Seq:         seq,
			ActorUserID: actorUserID,
			Action:      action,
			Meta:        json.RawMessage(canonical),
			PrevHash:    prevHash,
			Hash:        ComputeHash(prevHash, tenantID, actorUserID, action, canonical, createdAt),
			CreatedAt:   createdAt,
		}, nil
	})
	if err != nil {
		obs.AuditAppendFailed()
		obs.Error("audit append failed", map[string]any{
			"tenant_id":  tenantID,
			"action":     action,
			"request_id": RequestIDFromContext(ctx),
			"error":      err.Error(),
		})
		return "", secerr.AuditWriteFailure(err)
	}

	obs.AuditAppended(action)
	obs.Log("info", "audit", map[string]any{
		"type":       "audit",
		"event":      action,
		"tenant_id":  tenantID,
		"actor":      actorUserID,
		"entry_id":   entry.ID,
		"seq":        entry.Seq,
		"request_id": RequestIDFromContext(ctx),
	})
	if c.publisher != nil {
		c.publisher.Publish(entry)
	}
	return entry.ID, nil
}

// VerifyIntegrity recomputes every hash from the first entry forward, chaining
// from the recomputed hash rather than the stored one, and reports every
// divergent entry.
func (c *Chain) VerifyIntegrity(ctx context.Context, tenantID string) (IntegrityReport, error) {
	entries, err := c.store.List(ctx, tenantID, Filter{})
	if err != nil {
		return IntegrityReport{}, err
	}
	report := Verify(tenantID, entries)
	report.VerifiedAt = c.clock.Now().UTC()
	if n := len(report.InvalidEntries); n > 0 {
		obs.AuditIntegrityViolations(n)
		obs.Warn("audit chain integrity violation", map[string]any{
			"tenant_id": tenantID,
			"invalid":   n,
			"checked":   report.Checked,
		})
	}
	return report, nil
}

// Verify checks entries, which must be the complete chain in sequence order.
func Verify(tenantID string, entries []Entry) IntegrityReport {
	report := IntegrityReport{TenantID: tenantID, Valid: true, InvalidEntries: []InvalidEntry{}}
	prev := ""
	var lastSeq int64
	for _, e := range entries {
		report.Checked++
		var reasons []string
		if e.Seq != lastSeq+1 {
			reasons = append(reasons, ReasonSeqGap)
		}
		lastSeq = e.Seq
		if e.PrevHash != prev {
			reasons = append(reasons, ReasonPrevHashMismatch)
		}
		expected, err := expectedHash(prev, e)
		switch {
		case err != nil:
			reasons = append(reasons, ReasonMetaUnreadable)
		case !hmac.Equal([]byte(expected), []byte(e.Hash)):
			reasons = append(reasons, ReasonHashMismatch)
		}
		if len(reasons) > 0 {
			report.Valid = false
			report.InvalidEntries = append(report.InvalidEntries, InvalidEntry{
				ID:           e.ID,
				Seq:          e.Seq,
				StoredHash:   e.Hash,
				ExpectedHash: expected,
				StoredPrev:   e.PrevHash,
				ExpectedPrev: prev,
				Reasons:      reasons,
			})
		}
		if err != nil {
			// Nothing to chain from; fall back to the stored value.
			expected = e.Hash
		}
		prev = expected
	}
	return report
}

// Query returns a page of entries matching f. VIEW_AUDIT is enforced by callers.
func (c *Chain) Query(ctx context.Context, tenantID string, f Filter) (Page, error) {
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	limit := f.Limit
	f.Limit = limit + 1
	entries, err := c.store.List(ctx, tenantID, f)
	if err != nil {
		return Page{}, err
	}
	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextAfterSeq = entries[limit-1].Seq
	}
	if page.Entries == nil {
		page.Entries = []Entry{}
	}
	return page, nil
}

// Export returns the entries created in [from, to) together with an integrity
// report over the whole chain. A zero bound leaves that side open.
func (c *Chain) Export(ctx context.Context, tenantID string, from, to time.Time) (ExportBundle, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return ExportBundle{}, secerr.InvalidInput("audit export: range end precedes start")
	}
	entries, err := c.store.List(ctx, tenantID, Filter{Since: from, Until: to})
	if err != nil {
		return ExportBundle{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	report, err := c.VerifyIntegrity(ctx, tenantID)
	if err != nil {
		return ExportBundle{}, err
	}
	return ExportBundle{
		TenantID:   tenantID,
		From:       from,
		To:         to,
		Entries:    entries,
		Integrity:  report,
		ExportedAt: c.clock.Now().UTC(),
	}, nil
}
