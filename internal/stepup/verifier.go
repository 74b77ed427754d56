package stepup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"retailgate.in/internal/auth"
)

// MagicLinkTTL is how long an issued magic link remains usable.
const MagicLinkTTL = 15 * time.Minute

var (
	ErrBadCredentials = errors.New("stepup: credentials rejected")
	ErrNoCredentials  = errors.New("stepup: no credential enrolled")
)

// Credentials carries the proof for one method.
type Credentials struct {
	Password string `json:"password,omitempty"`
	Code     string `json:"code,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Verifier performs one re-authentication method.
type Verifier interface {
	Method() Method
	Verify(ctx context.Context, tenantID, userID string, cred Credentials) error
}

// CredentialSource exposes the enrolled secrets owned by the identity layer.
type CredentialSource interface {
	PasswordHash(ctx context.Context, tenantID, userID string) (string, error)
	TOTPSecret(ctx context.Context, tenantID, userID string) (string, error)
}

// PasswordVerifier checks a bcrypt password hash.
type PasswordVerifier struct {
	Credentials CredentialSource
}

func (PasswordVerifier) Method() Method { return MethodPassword }

func (v PasswordVerifier) Verify(ctx context.Context, tenantID, userID string, cred Credentials) error {
	if cred.Password == "" {
		return ErrBadCredentials
	}
	hash, err := v.Credentials.PasswordHash(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if err := auth.VerifyPassword(hash, cred.Password); err != nil {
		return ErrBadCredentials
	}
	return nil
}

// TOTPVerifier checks an RFC 6238 code against the enrolled secret.
type TOTPVerifier struct {
	Credentials CredentialSource
	Clock       clock.Clock
}

func (TOTPVerifier) Method() Method { return MethodTOTP }

func (v TOTPVerifier) Verify(ctx context.Context, tenantID, userID string, cred Credentials) error {
	code := strings.TrimSpace(cred.Code)
	if code == "" {
		return ErrBadCredentials
	}
	secret, err := v.Credentials.TOTPSecret(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	if v.Clock != nil {
		now = v.Clock.Now()
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return ErrBadCredentials
	}
	return nil
}

// MagicLink is an issued single-use token. Only its hash is stored.
type MagicLink struct {
	TenantID  string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// MagicLinkStore persists issued links.
type MagicLinkStore interface {
	CreateMagicLink(ctx context.Context, link MagicLink) error
	// ConsumeMagicLink atomically marks an unexpired, unconsumed link as used,
	// returning ErrNotFound otherwise.
	ConsumeMagicLink(ctx context.Context, tenantID, userID, tokenHash string, now time.Time) error
}

// MagicLinkVerifier issues and redeems single-use links.
type MagicLinkVerifier struct {
	Links MagicLinkStore
	Clock clock.Clock
}

func (MagicLinkVerifier) Method() Method { return MethodMagicLink }

func (v MagicLinkVerifier) now() time.Time {
	if v.Clock != nil {
		return v.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Issue creates a link token for delivery to the user out of band.
func (v MagicLinkVerifier) Issue(ctx context.Context, tenantID, userID string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	now := v.now()
	link := MagicLink{
		TenantID:  tenantID,
		UserID:    userID,
		TokenHash: HashToken(token),
		ExpiresAt: now.Add(MagicLinkTTL),
		CreatedAt: now,
	}
	if err := v.Links.CreateMagicLink(ctx, link); err != nil {
		return "", time.Time{}, err
	}
	return token, link.ExpiresAt, nil
}

func (v MagicLinkVerifier) Verify(ctx context.Context, tenantID, userID string, cred Credentials) error {
	token := strings.TrimSpace(cred.Token)
	if token == "" {
		return ErrBadCredentials
	}
	err := v.Links.ConsumeMagicLink(ctx, tenantID, userID, HashToken(token), v.now())
	if errors.Is(err, ErrNotFound) {
		return ErrBadCredentials
	}
	return err
}

// HashToken returns the stored form of a magic link token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type magicLinkKey struct {
	tenantID  string
	userID    string
	tokenHash string
}

// MemoryMagicLinks is an in-process MagicLinkStore.
type MemoryMagicLinks struct {
	mu       sync.Mutex
	links    map[magicLinkKey]MagicLink
	consumed map[magicLinkKey]bool
}

func NewMemoryMagicLinks() *MemoryMagicLinks {
	return &MemoryMagicLinks{links: make(map[magicLinkKey]MagicLink), consumed: make(map[magicLinkKey]bool)}
}

func (m *MemoryMagicLinks) CreateMagicLink(ctx context.Context, link MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[magicLinkKey{link.TenantID, link.UserID, link.TokenHash}] = link
	return nil
}

func (m *MemoryMagicLinks) ConsumeMagicLink(ctx context.Context, tenantID, userID, tokenHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := magicLinkKey{tenantID, userID, tokenHash}
	link, ok := m.links[k]
	if !ok || m.consumed[k] || !now.Before(link.ExpiresAt) {
		return ErrNotFound
	}
	m.consumed[k] = true
	return nil
}

// MemoryCredentials is an in-process CredentialSource for development and tests.
type MemoryCredentials struct {
	mu        sync.RWMutex
	passwords map[string]string
	totp      map[string]string
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{passwords: make(map[string]string), totp: make(map[string]string)}
}

func (m *MemoryCredentials) SetPasswordHash(tenantID, userID, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwords[tenantID+"/"+userID] = hash
}

func (m *MemoryCredentials) SetTOTPSecret(tenantID, userID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totp[tenantID+"/"+userID] = secret
}

func (m *MemoryCredentials) PasswordHash(ctx context.Context, tenantID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.passwords[tenantID+"/"+userID]
	if !ok {
		return "", ErrNoCredentials
	}
	return h, nil
}

func (m *MemoryCredentials) TOTPSecret(ctx context.Context, tenantID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.totp[tenantID+"/"+userID]
	if !ok {
		return "", ErrNoCredentials
	}
	return s, nil
}
