package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the createdAt rendering covered by the entry hash.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Entry is one immutable link of a tenant's audit chain.
// An empty ActorUserID marks a system-originated event.
type Entry struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Seq         int64           `json:"seq"`
	ActorUserID string          `json:"actor_user_id,omitempty"`
	Action      string          `json:"action"`
	Meta        json.RawMessage `json:"meta"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CanonicalJSON renders v as JSON with sorted object keys, no insignificant
// whitespace and numbers preserved as written. Nil renders as {}.
// Both the append and the verify path go through this function.
func CanonicalJSON(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal meta: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []byte("{}"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode meta: trailing data")
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	return out, nil
}

// NormalizeTime truncates t to the millisecond precision covered by the hash.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ComputeHash returns hex(SHA256(prevHash ∥ tenantID ∥ actorUserID ∥ action ∥ canonicalMeta ∥ createdAt)).
func ComputeHash(prevHash, tenantID, actorUserID, action string, canonicalMeta []byte, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(tenantID))
	h.Write([]byte(actorUserID))
	h.Write([]byte(action))
	h.Write(canonicalMeta)
	h.Write([]byte(NormalizeTime(createdAt).Format(TimestampLayout)))
	return hex.EncodeToString(h.Sum(nil))
}

// expectedHash recomputes the hash of e as if it followed prevHash.
func expectedHash(prevHash string, e Entry) (string, error) {
	meta, err := CanonicalJSON(e.Meta)
	if err != nil {
		return "", err
	}
	return ComputeHash(prevHash, e.TenantID, e.ActorUserID, e.Action, meta, e.CreatedAt), nil
}
