// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// ResetRequest is a freshly generated reset token for a known user.
type ResetRequest struct {
	User      *User
	Token     string // plaintext, for the notifier only
	ExpiresAt time.Time
}

// ResetBroker generates and consumes single-use password reset tokens.
type ResetBroker struct {
	users  UserRepository
	resets PasswordResetRepository
	ttl    time.Duration
	now    func() time.Time
}

// NewResetBroker creates a ResetBroker. A ttl of zero uses DefaultResetTokenTTL.
func NewResetBroker(users UserRepository, resets PasswordResetRepository, ttl time.Duration, now func() time.Time) (*ResetBroker, error) {
	if users == nil {
		return nil, oops.Code("BROKER_INVALID_CONFIG").Errorf("user repository is required")
	}
	if resets == nil {
		return nil, oops.Code("BROKER_INVALID_CONFIG").Errorf("reset repository is required")
	}
	if ttl <= 0 {
		ttl = DefaultResetTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ResetBroker{users: users, resets: resets, ttl: ttl, now: now}, nil
}

// Request generates a reset token for email, replacing any outstanding one.
// Returns (nil, nil) when no user has the email so that callers cannot
// distinguish known from unknown addresses by the outcome.
func (b *ResetBroker) Request(ctx context.Context, email string) (*ResetRequest, error) {
	user, err := b.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, backendFailure("RESET_REQUEST_FAILED", "get user by email", err)
	}

	token, hash, err := GenerateToken()
	if err != nil {
		return nil, oops.Code("RESET_REQUEST_FAILED").With("operation", "generate token").Wrap(err)
	}

	now := b.now()
	reset, err := NewPasswordReset(user.Email, hash, now, now.Add(b.ttl))
	if err != nil {
		return nil, oops.Code("RESET_REQUEST_FAILED").With("operation", "new password reset").Wrap(err)
	}

	if err := b.resets.Replace(ctx, reset); err != nil {
		return nil, backendFailure("RESET_REQUEST_FAILED", "replace reset", err)
	}

	return &ResetRequest{User: user, Token: token, ExpiresAt: reset.ExpiresAt}, nil
}

// Consume uses token to set the password hash of the user with email.
// Unknown token, wrong email, expiry and reuse all fail with the same
// ErrResetTokenRejected error.
func (b *ResetBroker) Consume(ctx context.Context, token, email, newPasswordHash string) (ulid.ULID, error) {
	if token == "" || email == "" {
		return ulid.ULID{}, ErrResetTokenRejected()
	}

	userID, err := b.resets.Consume(ctx, ResetConsumption{
		Email:        NormalizeEmail(email),
		Token:        token,
		PasswordHash: newPasswordHash,
		At:           b.now(),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return ulid.ULID{}, ErrResetTokenRejected()
		}
		return ulid.ULID{}, backendFailure("RESET_CONSUME_FAILED", "consume reset", err)
	}
	return userID, nil
}

// Sweep deletes expired reset tokens.
func (b *ResetBroker) Sweep(ctx context.Context) (int64, error) {
	n, err := b.resets.DeleteExpired(ctx, b.now())
	if err != nil {
		return 0, backendFailure("RESET_SWEEP_FAILED", "delete expired resets", err)
	}
	return n, nil
}
