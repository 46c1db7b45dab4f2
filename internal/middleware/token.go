// Package middleware provides HTTP middleware for the unchain agent: bearer
// token authentication against a bcrypt hash, per-IP throttling of failed
// attempts and request logging.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var errTokenMismatch = errors.New("token does not match")

// HashToken returns a salted bcrypt hash suitable for AGENT_TOKEN_HASH.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// HashValidator accepts the single token whose bcrypt hash it holds.
type HashValidator struct {
	hash []byte
}

func NewHashValidator(hash string) *HashValidator {
	return &HashValidator{hash: []byte(hash)}
}

func (v *HashValidator) ValidateToken(_ context.Context, token string) error {
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return errTokenMismatch
	}
	return nil
}
