// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// NoExpiry issues a long-lived remember-me token.
const NoExpiry time.Duration = 0

// TokenIssuer mints, revokes and validates bearer tokens.
type TokenIssuer struct {
	tokens TokenRepository
	users  UserRepository
	now    func() time.Time
	logger *slog.Logger
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithIssuerClock overrides the issuer's time source.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *TokenIssuer) { i.now = now }
}

// WithIssuerLogger sets the logger for best-effort failures.
func WithIssuerLogger(logger *slog.Logger) IssuerOption {
	return func(i *TokenIssuer) { i.logger = logger }
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(tokens TokenRepository, users UserRepository, opts ...IssuerOption) (*TokenIssuer, error) {
	if tokens == nil {
		return nil, oops.Code("ISSUER_INVALID_CONFIG").Errorf("token repository is required")
	}
	if users == nil {
		return nil, oops.Code("ISSUER_INVALID_CONFIG").Errorf("user repository is required")
	}

	i := &TokenIssuer{
		tokens: tokens,
		users:  users,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue creates a token for user and returns it with its plaintext secret.
// The plaintext is never stored and cannot be retrieved again. A ttl of
// NoExpiry issues a token that never expires; otherwise the token expires
// exactly ttl after issue, regardless of use.
func (i *TokenIssuer) Issue(ctx context.Context, user *User, abilities []string, ttl time.Duration) (*SessionToken, string, error) {
	plaintext, hash, err := GenerateToken()
	if err != nil {
		return nil, "", oops.Code("TOKEN_ISSUE_FAILED").With("operation", "generate token").Wrap(err)
	}

	now := i.now()
	var expiresAt *time.Time
	if ttl > NoExpiry {
		exp := now.Add(ttl)
		expiresAt = &exp
	}

	token, err := NewSessionToken(user.ID, DefaultTokenName, hash, abilities, now, expiresAt)
	if err != nil {
		return nil, "", oops.Code("TOKEN_ISSUE_FAILED").With("operation", "new session token").Wrap(err)
	}

	if err := i.tokens.Create(ctx, token); err != nil {
		return nil, "", backendFailure("TOKEN_ISSUE_FAILED", "persist token", err)
	}

	tokensIssued.WithLabelValues(tokenKind(expiresAt)).Inc()
	return token, plaintext, nil
}

// RevokeAll deletes every token owned by the user.
func (i *TokenIssuer) RevokeAll(ctx context.Context, userID ulid.ULID) error {
	n, err := i.tokens.DeleteByUser(ctx, userID)
	if err != nil {
		return backendFailure("TOKEN_REVOKE_ALL_FAILED", "delete tokens by user", err)
	}
	tokensRevoked.Add(float64(n))
	return nil
}

// Revoke deletes a single token.
func (i *TokenIssuer) Revoke(ctx context.Context, tokenID ulid.ULID) error {
	if err := i.tokens.Delete(ctx, tokenID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthenticated()
		}
		return backendFailure("TOKEN_REVOKE_FAILED", "delete token", err)
	}
	tokensRevoked.Inc()
	return nil
}

// Validate resolves a presented secret to its token and owning user.
// Unknown, expired and orphaned tokens all fail with ErrUnauthenticated.
func (i *TokenIssuer) Validate(ctx context.Context, plaintext string) (*User, *SessionToken, error) {
	if plaintext == "" {
		return nil, nil, ErrUnauthenticated()
	}

	token, err := i.tokens.GetByTokenHash(ctx, HashToken(plaintext))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrUnauthenticated()
		}
		return nil, nil, backendFailure("TOKEN_VALIDATE_FAILED", "get token by hash", err)
	}

	now := i.now()
	if token.IsExpiredAt(now) {
		return nil, nil, ErrUnauthenticated()
	}

	user, err := i.users.GetByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrUnauthenticated()
		}
		return nil, nil, backendFailure("TOKEN_VALIDATE_FAILED", "get token owner", err)
	}

	if err := i.tokens.UpdateLastUsed(ctx, token.ID, now); err != nil {
		i.logger.WarnContext(ctx, "best-effort token update failed",
			"operation", "update_last_used",
			"token_id", token.ID.String(),
			"error", err.Error())
	} else {
		token.LastUsedAt = &now
	}

	return user, token, nil
}

// Sweep deletes tokens that have expired.
func (i *TokenIssuer) Sweep(ctx context.Context) (int64, error) {
	n, err := i.tokens.DeleteExpired(ctx, i.now())
	if err != nil {
		return 0, backendFailure("TOKEN_SWEEP_FAILED", "delete expired tokens", err)
	}
	return n, nil
}

func tokenKind(expiresAt *time.Time) string {
	if expiresAt == nil {
		return "remember"
	}
	return "session"
}
