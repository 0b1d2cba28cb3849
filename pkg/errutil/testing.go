// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package errutil

import (
	"fmt"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RequireOops fails the test unless err is an oops error and returns it.
func RequireOops(t *testing.T, err error) oops.OopsError {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	return oopsErr
}

// AssertErrorCode asserts that err carries code. oops reports the deepest
// code in a wrapped chain, so public codes must be set on a fresh error.
func AssertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	oopsErr := RequireOops(t, err)
	assert.Equal(t, code, oopsErr.Code(), "error: %v", err)
}

// AssertErrorContext asserts that err carries key with value in its context.
func AssertErrorContext(t *testing.T, err error, key string, value any) {
	t.Helper()
	got := RequireOops(t, err).Context()
	if assert.Contains(t, got, key) {
		assert.Equal(t, value, got[key])
	}
}

// AssertNoLeak asserts that none of secrets appear in err's message or its
// context values. Public errors must not echo passwords, tokens or hashes.
func AssertNoLeak(t *testing.T, err error, secrets ...string) {
	t.Helper()
	require.Error(t, err)
	rendered := err.Error()
	if oopsErr, ok := oops.AsOops(err); ok {
		for k, v := range oopsErr.Context() {
			rendered += " " + k + "=" + fmt.Sprint(v)
		}
	}
	AssertTextNoLeak(t, rendered, secrets...)
}

// AssertTextNoLeak asserts that none of secrets appear in text, such as a
// rendered response body.
func AssertTextNoLeak(t *testing.T, text string, secrets ...string) {
	t.Helper()
	for _, s := range secrets {
		assert.NotContains(t, text, s)
	}
}
