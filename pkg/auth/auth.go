// Package auth guards the local status view with a bearer token.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

// GenerateToken returns a random URL-safe token
func GenerateToken() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}

// HashToken hashes token for storage in a config file. A zero cost uses
// bcrypt's default.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// TokenVerifier checks presented tokens against a stored bcrypt hash
type TokenVerifier struct {
	hash []byte
}

// NewTokenVerifier hashes a plaintext token
func NewTokenVerifier(token string, cost int) (*TokenVerifier, error) {
	hash, err := HashToken(token, cost)
	if err != nil {
		return nil, err
	}
	return &TokenVerifier{hash: []byte(hash)}, nil
}

// NewTokenVerifierFromHash uses a hash produced by HashToken
func NewTokenVerifierFromHash(hash string) (*TokenVerifier, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &TokenVerifier{hash: []byte(hash)}, nil
}

// Verify reports whether token matches
func (v *TokenVerifier) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
