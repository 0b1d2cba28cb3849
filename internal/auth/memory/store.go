// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memory provides in-process implementations of the auth repositories.
// All three repositories share one lock so a reset consumption updates the
// reset and the user's password atomically.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/auth"
)

// Store holds users, tokens and password resets in memory.
type Store struct {
	mu      sync.RWMutex
	users   map[ulid.ULID]*auth.User
	byEmail map[string]ulid.ULID
	tokens  map[ulid.ULID]*auth.SessionToken
	byHash  map[string]ulid.ULID
	resets  map[string]*auth.PasswordReset
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		users:   make(map[ulid.ULID]*auth.User),
		byEmail: make(map[string]ulid.ULID),
		tokens:  make(map[ulid.ULID]*auth.SessionToken),
		byHash:  make(map[string]ulid.ULID),
		resets:  make(map[string]*auth.PasswordReset),
	}
}

// Users returns the user repository view of the store.
func (s *Store) Users() *UserRepository { return &UserRepository{s: s} }

// Tokens returns the token repository view of the store.
func (s *Store) Tokens() *TokenRepository { return &TokenRepository{s: s} }

// Resets returns the password reset repository view of the store.
func (s *Store) Resets() *ResetRepository { return &ResetRepository{s: s} }

// UserRepository implements auth.UserRepository.
type UserRepository struct{ s *Store }

// Create stores a new user.
func (r *UserRepository) Create(_ context.Context, user *auth.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	email := auth.NormalizeEmail(user.Email)
	if _, taken := r.s.byEmail[email]; taken {
		return oops.Code("USER_CREATE_FAILED").
			With("email", email).
			Wrap(auth.ErrDuplicateEmail)
	}

	u := *user
	u.Email = email
	r.s.users[u.ID] = &u
	r.s.byEmail[email] = u.ID
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	out := *u
	return &out, nil
}

// GetByEmail retrieves a user by email (case-insensitive).
func (r *UserRepository) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.byEmail[auth.NormalizeEmail(email)]
	if !ok {
		return nil, oops.Code("USER_NOT_FOUND").With("email", email).Wrap(auth.ErrNotFound)
	}
	out := *r.s.users[id]
	return &out, nil
}

// UpdatePassword replaces the password hash of a user.
func (r *UserRepository) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return oops.Code("USER_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now()
	return nil
}

// TokenRepository implements auth.TokenRepository.
type TokenRepository struct{ s *Store }

// Create stores a new token.
func (r *TokenRepository) Create(_ context.Context, token *auth.SessionToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.byHash[token.TokenHash]; exists {
		return oops.Code("TOKEN_CREATE_FAILED").Errorf("token hash already exists")
	}
	t := copyToken(token)
	r.s.tokens[t.ID] = t
	r.s.byHash[t.TokenHash] = t.ID
	return nil
}

// GetByTokenHash retrieves a token by the hash of its secret.
func (r *TokenRepository) GetByTokenHash(_ context.Context, tokenHash string) (*auth.SessionToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.byHash[tokenHash]
	if !ok {
		return nil, oops.Code("TOKEN_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return copyToken(r.s.tokens[id]), nil
}

// Delete removes one token.
func (r *TokenRepository) Delete(_ context.Context, id ulid.ULID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tokens[id]
	if !ok {
		return oops.Code("TOKEN_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	r.s.deleteToken(t)
	return nil
}

// DeleteByUser removes every token of a user.
func (r *TokenRepository) DeleteByUser(_ context.Context, userID ulid.ULID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.deleteTokensWhere(func(t *auth.SessionToken) bool { return t.UserID == userID }), nil
}

// UpdateLastUsed records when a token was last presented.
func (r *TokenRepository) UpdateLastUsed(_ context.Context, id ulid.ULID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tokens[id]
	if !ok {
		return oops.Code("TOKEN_NOT_FOUND").With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	t.LastUsedAt = &at
	return nil
}

// DeleteExpired removes tokens that expired at or before the given time.
func (r *TokenRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.deleteTokensWhere(func(t *auth.SessionToken) bool { return t.IsExpiredAt(before) }), nil
}

// deleteToken must be called with mu held.
func (s *Store) deleteToken(t *auth.SessionToken) {
	delete(s.byHash, t.TokenHash)
	delete(s.tokens, t.ID)
}

// deleteTokensWhere must be called with mu held.
func (s *Store) deleteTokensWhere(match func(*auth.SessionToken) bool) int64 {
	var n int64
	for _, t := range s.tokens {
		if match(t) {
			s.deleteToken(t)
			n++
		}
	}
	return n
}

func copyToken(t *auth.SessionToken) *auth.SessionToken {
	out := *t
	out.Abilities = slices.Clone(t.Abilities)
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		out.ExpiresAt = &exp
	}
	if t.LastUsedAt != nil {
		used := *t.LastUsedAt
		out.LastUsedAt = &used
	}
	return &out
}

// ResetRepository implements auth.PasswordResetRepository.
type ResetRepository struct{ s *Store }

// Replace stores reset as the only outstanding token for its email.
func (r *ResetRepository) Replace(_ context.Context, reset *auth.PasswordReset) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	pr := *reset
	pr.Email = auth.NormalizeEmail(reset.Email)
	r.s.resets[pr.Email] = &pr
	return nil
}

// Consume marks the reset consumed and sets the user's password under one lock.
func (r *ResetRepository) Consume(_ context.Context, c auth.ResetConsumption) (ulid.ULID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	email := auth.NormalizeEmail(c.Email)
	pr, ok := r.s.resets[email]
	if !ok || !pr.Usable(email, c.Token, c.At) {
		return ulid.ULID{}, oops.Code("RESET_REJECTED").Wrap(auth.ErrInvalidToken)
	}

	id, ok := r.s.byEmail[email]
	if !ok {
		return ulid.ULID{}, oops.Code("RESET_REJECTED").With("reason", "no user").Wrap(auth.ErrInvalidToken)
	}

	at := c.At
	pr.ConsumedAt = &at
	u := r.s.users[id]
	u.PasswordHash = c.PasswordHash
	u.UpdatedAt = c.At
	return id, nil
}

// DeleteExpired removes resets that expired at or before the given time.
func (r *ResetRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for email, pr := range r.s.resets {
		if pr.IsExpiredAt(before) {
			delete(r.s.resets, email)
			n++
		}
	}
	return n, nil
}

// Compile-time interface checks.
var (
	_ auth.UserRepository          = (*UserRepository)(nil)
	_ auth.TokenRepository         = (*TokenRepository)(nil)
	_ auth.PasswordResetRepository = (*ResetRepository)(nil)
)
