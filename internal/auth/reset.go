// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DefaultResetTokenTTL is how long a password reset token stays valid.
const DefaultResetTokenTTL = time.Hour

// PasswordReset is the outstanding reset token for an email. At most one
// exists per email; a new request replaces it.
type PasswordReset struct {
	ID         ulid.ULID
	Email      string
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// NewPasswordReset creates a validated PasswordReset.
func NewPasswordReset(email, tokenHash string, createdAt, expiresAt time.Time) (*PasswordReset, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, oops.Code("RESET_INVALID_EMAIL").Errorf("email cannot be empty")
	}
	if tokenHash == "" {
		return nil, oops.Code("RESET_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(createdAt) {
		return nil, oops.Code("RESET_INVALID_EXPIRY").Errorf("expiry must be after creation")
	}
	return &PasswordReset{
		ID:        ulid.Make(),
		Email:     email,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}, nil
}

// IsConsumed returns true once the token has authorized a reset.
func (r *PasswordReset) IsConsumed() bool {
	return r.ConsumedAt != nil
}

// IsExpiredAt returns true if the token is expired at t.
func (r *PasswordReset) IsExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// Usable reports whether the reset can authorize a password change for
// email with the presented plaintext token at time t.
func (r *PasswordReset) Usable(email, token string, t time.Time) bool {
	// Hash comparison runs first and unconditionally.
	match := VerifyToken(token, r.TokenHash)
	return match && r.Email == NormalizeEmail(email) && !r.IsConsumed() && !r.IsExpiredAt(t)
}

// ResetConsumption describes one attempt to use a reset token.
type ResetConsumption struct {
	Email        string
	Token        string // plaintext as presented
	PasswordHash string // new hash to apply
	At           time.Time
}

// PasswordResetRepository persists password reset tokens.
type PasswordResetRepository interface {
	// Replace stores reset as the only outstanding token for its email.
	Replace(ctx context.Context, reset *PasswordReset) error

	// Consume atomically marks the reset for c.Email consumed and sets the
	// user's password hash, returning the user's ID. Either both happen or
	// neither does. Any unusable token yields an error wrapping ErrInvalidToken.
	Consume(ctx context.Context, c ResetConsumption) (ulid.ULID, error)

	// DeleteExpired removes resets that expired before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
