package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"retailgate.in/internal/auth"
	"retailgate.in/internal/rbac"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth turns the bearer identity token into an auth.Identity on the context.
// The token is the identity layer's assertion; permissions come from the Guard.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthenticated(w, r, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				unauthenticated(w, r, "invalid token")
				return
			}
			writeErrorBody(w, r, http.StatusInternalServerError, "INTERNAL", "authentication error", nil)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), claims.Identity())
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthenticated(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="retailgate"`)
	writeErrorBody(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", msg, nil)
}

// caller returns the authenticated identity or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok || id.TenantID == "" {
		unauthenticated(w, r, "missing identity")
		return auth.Identity{}, false
	}
	return id, true
}

// authorize resolves the caller and checks perm through the Guard.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, perm rbac.Permission) (auth.Identity, bool) {
	id, ok := caller(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if err := a.plane.Guard.RequirePermission(r.Context(), id.TenantID, id.UserID, perm); err != nil {
		writeError(w, r, err)
		return auth.Identity{}, false
	}
	return id, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
