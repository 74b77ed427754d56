package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "retailgate"
	secretEnvVariable = "RETAILGATE_AUTH_SECRET"

	// clockSkew tolerated between the issuing layer and this service.
	clockSkew = 5 * time.Second
)

var errMissingSecret = errors.New("auth secret is not configured")

// keyring holds the HMAC key. Unless Configure supplied one it is read from
// the environment on first use, and a missing key stays missing until reset.
type keyring struct {
	mu     sync.Mutex
	key    []byte
	loaded bool
}

var signingKey keyring

func (k *keyring) get() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.loaded {
		k.key = []byte(strings.TrimSpace(os.Getenv(secretEnvVariable)))
		k.loaded = true
	}
	if len(k.key) == 0 {
		return nil, errMissingSecret
	}
	return k.key, nil
}

func (k *keyring) set(key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = key
	k.loaded = len(key) > 0
}

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims carries the identity asserted by the upstream session layer.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity described by the claims.
func (c *Claims) Identity() Identity {
	return Identity{
		TenantID:     c.TenantID,
		UserID:       c.Subject,
		Email:        c.Email,
		AssertedRole: c.Role,
	}
}

// Configure sets the signing secret explicitly, overriding RETAILGATE_AUTH_SECRET.
// An empty value falls back to the environment.
func Configure(value string) {
	signingKey.set([]byte(strings.TrimSpace(value)))
}

// GenerateToken signs an identity token using HS256.
func GenerateToken(id Identity, ttl time.Duration) (string, error) {
	id = id.normalize()
	if id.UserID == "" || id.TenantID == "" {
		return "", fmt.Errorf("%w: tenant and user are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be greater than zero", ErrInvalidInput)
	}
	key, err := signingKey.get()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		TenantID: id.TenantID,
		Email:    id.Email,
		Role:     id.AssertedRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

var parser = jwt.NewParser(
	jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	jwt.WithIssuer(issuer),
	jwt.WithExpirationRequired(),
	jwt.WithIssuedAt(),
	jwt.WithLeeway(clockSkew),
)

// ParseAndValidate verifies the signature, the registered claims and the
// identity fields. Every rejection is reported as ErrInvalidToken.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	key, err := signingKey.get()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return nil, ErrInvalidToken
	}
	if err := claims.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims.Role = strings.ToLower(strings.TrimSpace(claims.Role))
	return claims, nil
}

// check covers what the registered-claim validation leaves open.
func (c *Claims) check() error {
	switch {
	case strings.TrimSpace(c.Subject) == "":
		return errors.New("subject missing")
	case strings.TrimSpace(c.TenantID) == "":
		return errors.New("tenant missing")
	case c.IssuedAt == nil:
		return errors.New("issued-at missing")
	case c.ExpiresAt.Time.Before(c.IssuedAt.Time):
		return errors.New("expiry precedes issued-at")
	}
	return nil
}

// ResetSecretForTests forgets the configured secret so the next use rereads the environment.
func ResetSecretForTests() {
	signingKey.set(nil)
}
