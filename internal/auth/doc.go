// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth provides credential authentication and token lifecycle for Gatekeeper.
//
// # Domain Types
//
// Domain types should be created using their constructors:
//   - NewUser - creates a User with a normalized email and a password hash
//   - NewSessionToken - creates a SessionToken with an optional expiry
//   - NewPasswordReset - creates a PasswordReset bound to an email
//
// Direct struct initialization bypasses validation and may create invalid state.
//
// # Components
//
//   - PasswordHasher - argon2id hashing with configurable cost
//   - Throttle - failed login counters keyed by email and client origin
//   - TokenIssuer - bearer token issue, revoke and validate
//   - ResetBroker - single-use password reset tokens
//   - Service - register, login, logout, forgot and reset password
//
// Persistence is behind the UserRepository, TokenRepository and
// PasswordResetRepository interfaces; see the memory and postgres subpackages.
package auth
