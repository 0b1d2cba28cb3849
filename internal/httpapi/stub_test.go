// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi_test

import (
	"context"

	"github.com/holomush/gatekeeper/internal/auth"
)

// panicService panics on every call; it exercises the recoverer.
type panicService struct{}

func (panicService) Register(context.Context, auth.RegisterInput) (*auth.User, error) {
	panic("register")
}

func (panicService) Login(context.Context, auth.LoginInput) (*auth.LoginResult, error) {
	panic("login")
}

func (panicService) Authenticate(context.Context, string) (*auth.User, *auth.SessionToken, error) {
	panic("authenticate")
}

func (panicService) Logout(context.Context, *auth.SessionToken) error { panic("logout") }

func (panicService) ForgotPassword(context.Context, string) error { panic("forgot") }

func (panicService) ResetPassword(context.Context, auth.ResetInput) error { panic("reset") }
