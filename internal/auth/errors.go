// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"sort"

	"github.com/samber/oops"
)

// Repository sentinel errors. Implementations wrap these with oops so callers
// can test them with errors.Is.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail is returned by UserRepository.Create when the email is taken.
	ErrDuplicateEmail = errors.New("duplicate email")

	// ErrInvalidToken is returned by PasswordResetRepository.Consume for any
	// unknown, mismatched, expired or already consumed reset token.
	ErrInvalidToken = errors.New("invalid reset token")
)

// Public error codes. Every failure returned by Service carries one of these
// codes, or is a backend failure with an internal code.
const (
	CodeValidation         = "AUTH_VALIDATION"
	CodeDuplicateEmail     = "AUTH_DUPLICATE_EMAIL"
	CodeInvalidCredentials = "AUTH_INVALID_CREDENTIALS"
	CodeThrottled          = "AUTH_THROTTLED"
	CodeInvalidToken       = "AUTH_INVALID_TOKEN"
	CodeUnauthenticated    = "AUTH_UNAUTHENTICATED"
	CodeForbidden          = "AUTH_FORBIDDEN"
	CodeTransient          = "AUTH_TRANSIENT"
)

// User-facing messages.
const (
	MsgValidation         = "The given data was invalid."
	MsgDuplicateEmail     = "The email has already been taken."
	MsgInvalidCredentials = "The provided credentials are incorrect."
	MsgThrottled          = "Too many login attempts. Please try again later."
	MsgInvalidToken       = "Invalid token provided"
	MsgUnauthenticated    = "Unauthenticated."
	MsgForbidden          = "This action is unauthorized."
	MsgTransient          = "The service is temporarily unavailable. Please try again."
	MsgInternal           = "Something went wrong. Please try again."
)

// FieldErrors maps a request field to its validation messages.
type FieldErrors map[string][]string

// Add appends a message for field.
func (f FieldErrors) Add(field, message string) {
	f[field] = append(f[field], message)
}

// Fields returns the field names in sorted order.
func (f FieldErrors) Fields() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrValidation creates a field-level validation error.
func ErrValidation(fields FieldErrors) error {
	return oops.Code(CodeValidation).
		With("fields", fields).
		Errorf(MsgValidation)
}

// ErrEmailTaken creates the duplicate email error reported by Register.
func ErrEmailTaken() error {
	return oops.Code(CodeDuplicateEmail).
		With("fields", FieldErrors{"email": {MsgDuplicateEmail}}).
		Errorf(MsgDuplicateEmail)
}

// ErrBadCredentials creates the login failure error. The message is identical
// whether the account is unknown or the password is wrong.
func ErrBadCredentials() error {
	return oops.Code(CodeInvalidCredentials).Errorf(MsgInvalidCredentials)
}

// ErrThrottled creates the error returned while a throttle key is blocked.
func ErrThrottled() error {
	return oops.Code(CodeThrottled).Errorf(MsgThrottled)
}

// ErrResetTokenRejected creates the single error kind for every reset token failure.
func ErrResetTokenRejected() error {
	return oops.Code(CodeInvalidToken).Errorf(MsgInvalidToken)
}

// ErrUnauthenticated creates the error returned for a missing, unknown or expired bearer token.
func ErrUnauthenticated() error {
	return oops.Code(CodeUnauthenticated).Errorf(MsgUnauthenticated)
}

// ErrForbidden creates the error returned when a valid token lacks the ability a route needs.
func ErrForbidden(ability string) error {
	return oops.Code(CodeForbidden).With("ability", ability).Errorf(MsgForbidden)
}

// FieldsOf extracts validation fields from an error, or nil if it carries none.
func FieldsOf(err error) FieldErrors {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	fields, _ := oopsErr.Context()["fields"].(FieldErrors)
	return fields
}

// CodeOf returns the oops code of err, or "" when err is not an oops error.
func CodeOf(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code, _ := oopsErr.Code().(string)
	return code
}

// IsTransient reports whether err stems from a backend call that ran out of
// time. Callers may retry; this package never does.
func IsTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// backendFailure wraps an unexpected store or hasher failure.
func backendFailure(code, operation string, err error) error {
	b := oops.Code(code).With("operation", operation)
	if IsTransient(err) {
		b = b.With("transient", true)
	}
	return b.Wrap(err)
}
