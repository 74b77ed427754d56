package auth

import (
	"context"
	"strings"
)

// Identity is the already-authenticated caller the control plane trusts.
type Identity struct {
	TenantID     string
	UserID       string
	Email        string
	AssertedRole string
}

func (i Identity) normalize() Identity {
	i.TenantID = strings.TrimSpace(i.TenantID)
	i.UserID = strings.TrimSpace(i.UserID)
	i.Email = strings.TrimSpace(i.Email)
	i.AssertedRole = strings.ToLower(strings.TrimSpace(i.AssertedRole))
	return i
}

type identityContextKey struct{}
type tokenContextKey struct{}

// ContextWithIdentity attaches the authenticated identity to the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	id = id.normalize()
	return context.WithValue(ctx, identityContextKey{}, &id)
}

// IdentityFromContext extracts the authenticated identity from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil || v.UserID == "" {
		return Identity{}, false
	}
	return *v, true
}

// AssertedRoleFromContext returns the coarse role asserted for userID, if the
// identity in ctx belongs to that user in that tenant.
func AssertedRoleFromContext(ctx context.Context, tenantID, userID string) string {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.TenantID != tenantID || id.UserID != userID {
		return ""
	}
	return id.AssertedRole
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
