package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidPassword indicates a password that does not match the stored hash.
	ErrInvalidPassword = errors.New("auth: invalid password")
	// ErrMissingPasswordHash indicates an empty admin password hash.
	ErrMissingPasswordHash = errors.New("auth: password hash required")
)

// PasswordChecker compares candidate passwords against a bcrypt hash.
type PasswordChecker struct {
	hash []byte
}

// NewPasswordChecker validates that hash is a bcrypt hash.
func NewPasswordChecker(hash string) (*PasswordChecker, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, ErrMissingPasswordHash
	}
	if _, err := bcrypt.Cost([]byte(trimmed)); err != nil {
		return nil, err
	}
	return &PasswordChecker{hash: []byte(trimmed)}, nil
}

// Check returns ErrInvalidPassword unless candidate matches.
func (c *PasswordChecker) Check(candidate string) error {
	if candidate == "" {
		return ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword(c.hash, []byte(candidate)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// HashPassword produces a bcrypt hash suitable for admin.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrInvalidPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
