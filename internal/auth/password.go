package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrUnauthorized is returned for any password mismatch, without detail.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// maxPasswordBytes is the bcrypt input limit. Longer inputs are rejected rather than truncated.
const maxPasswordBytes = 72

// HashPassword produces the bcrypt hash stored for step-up password checks.
func HashPassword(password string) (string, error) {
	switch {
	case password == "":
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	case len(password) > maxPasswordBytes:
		return "", fmt.Errorf("%w: password exceeds %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports ErrUnauthorized unless password matches hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return fmt.Errorf("%w: password hash is empty", ErrInvalidInput)
	}
	if len(password) > maxPasswordBytes {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}
