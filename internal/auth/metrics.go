// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Login outcomes recorded by LoginAttempts.
const (
	LoginSuccess   = "success"
	LoginFailed    = "failed"
	LoginThrottled = "throttled"
	LoginError     = "error"
)

// LoginAttempts counts login attempts by outcome.
var LoginAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_login_attempts_total",
		Help: "Total number of login attempts by outcome",
	},
	[]string{"outcome"},
)

// tokensIssued counts issued bearer tokens by kind (session or remember).
var tokensIssued = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_tokens_issued_total",
		Help: "Total number of bearer tokens issued by kind",
	},
	[]string{"kind"},
)

var tokensRevoked = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gatekeeper_tokens_revoked_total",
		Help: "Total number of bearer tokens revoked",
	},
)

// PasswordResets counts password reset steps by stage and outcome.
var PasswordResets = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_password_resets_total",
		Help: "Total number of password reset requests and completions by outcome",
	},
	[]string{"stage", "outcome"},
)

// RegisterMetrics registers auth metrics with the given registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LoginAttempts)
	reg.MustRegister(tokensIssued)
	reg.MustRegister(tokensRevoked)
	reg.MustRegister(PasswordResets)
}
