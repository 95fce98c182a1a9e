package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ApiToken is a stored API credential. The plaintext token is shown once
// at creation and never persisted; only its SHA-256 hash is stored.
type ApiToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	Scopes     []string   `json:"scopes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UsageCount int        `json:"usage_count"`
	RateLimit  int        `json:"rate_limit"`
	IsActive   bool       `json:"is_active"`
}

// Expired reports whether the token is past its expiry at the given time.
func (t *ApiToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// HashToken returns the hex SHA-256 of a plaintext token.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// NewPlaintextToken generates a random token with the tmk_ prefix.
func NewPlaintextToken() string {
	b := make([]byte, 24)
	rand.Read(b)
	return "tmk_" + hex.EncodeToString(b)
}
