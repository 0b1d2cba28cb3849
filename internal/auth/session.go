// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Token configuration.
const (
	TokenBytes = 32 // 32 bytes = 64 hex chars

	// DefaultTokenTTL is the lifetime of a token issued without "remember me".
	DefaultTokenTTL = 60 * time.Minute

	// DefaultTokenName labels tokens issued by login.
	DefaultTokenName = "auth_token"

	// AbilityAll grants every ability.
	AbilityAll = "*"

	// AbilityReadUser allows reading the token owner's profile.
	AbilityReadUser = "user:read"

	// AbilityLogout allows revoking the presented token.
	AbilityLogout = "session:logout"
)

// SessionToken is a bearer token owned by a user. Only the SHA-256 hash of
// the secret is stored; the plaintext is returned once, at issue time.
type SessionToken struct {
	ID         ulid.ULID
	UserID     ulid.ULID
	Name       string
	TokenHash  string
	Abilities  []string
	ExpiresAt  *time.Time // nil for a remember-me token
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// NewSessionToken creates a validated SessionToken. expiresAt may be nil.
func NewSessionToken(userID ulid.ULID, name, tokenHash string, abilities []string, createdAt time.Time, expiresAt *time.Time) (*SessionToken, error) {
	if userID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("TOKEN_INVALID_USER").Errorf("user ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("TOKEN_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if expiresAt != nil && !expiresAt.After(createdAt) {
		return nil, oops.Code("TOKEN_INVALID_EXPIRY").Errorf("expiry must be after creation")
	}
	if name == "" {
		name = DefaultTokenName
	}
	if len(abilities) == 0 {
		abilities = []string{AbilityAll}
	}

	return &SessionToken{
		ID:        ulid.Make(),
		UserID:    userID,
		Name:      name,
		TokenHash: tokenHash,
		Abilities: slices.Clone(abilities),
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}, nil
}

// IsExpiredAt returns true if the token is expired at t. A token expires
// exactly at its ExpiresAt instant; tokens without expiry never expire.
func (s *SessionToken) IsExpiredAt(t time.Time) bool {
	return s.ExpiresAt != nil && !t.Before(*s.ExpiresAt)
}

// Can reports whether the token grants ability.
func (s *SessionToken) Can(ability string) bool {
	return slices.Contains(s.Abilities, AbilityAll) || slices.Contains(s.Abilities, ability)
}

// GenerateToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
func GenerateToken() (token, hash string, err error) {
	tokenBytes := make([]byte, TokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", TokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	return token, HashToken(token), nil
}

// HashToken computes the hex SHA-256 hash of a token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyToken checks if the plaintext token matches the stored hash in constant time.
func VerifyToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}

// TokenRepository persists session tokens.
type TokenRepository interface {
	// Create stores a new token.
	Create(ctx context.Context, token *SessionToken) error

	// GetByTokenHash retrieves a token by the hash of its secret.
	GetByTokenHash(ctx context.Context, tokenHash string) (*SessionToken, error)

	// Delete removes one token. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, id ulid.ULID) error

	// DeleteByUser removes every token of a user and returns how many were removed.
	DeleteByUser(ctx context.Context, userID ulid.ULID) (int64, error)

	// UpdateLastUsed records when a token was last presented.
	UpdateLastUsed(ctx context.Context, id ulid.ULID, at time.Time) error

	// DeleteExpired removes tokens that expired before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
