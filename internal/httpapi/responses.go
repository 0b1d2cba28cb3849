// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// Success messages.
const (
	MsgRegistered    = "User successfully registered"
	MsgLoggedIn      = "Logged in successfully"
	MsgLoggedOut     = "Logged out successfully"
	MsgResetSent     = "If that email address is registered, a password reset link has been sent."
	MsgResetComplete = "Password reset successfully"
	MsgMalformedBody = "The request body must be a JSON object."
	MsgConfirmation  = "The password field confirmation does not match."
)

type messageResponse struct {
	Message string `json:"message"`
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// userResponse is the public view of a user. It never carries the password hash.
type userResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newUserResponse(u *auth.User) userResponse {
	return userResponse{
		ID:        u.ID.String(),
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt.UTC(),
		UpdatedAt: u.UpdatedAt.UTC(),
	}
}

type registerResponse struct {
	Message string       `json:"message"`
	User    userResponse `json:"user"`
}

type loginResponse struct {
	Message   string       `json:"message"`
	Token     string       `json:"token"`
	TokenType string       `json:"token_type"`
	ExpiresAt *time.Time   `json:"expires_at"`
	User      userResponse `json:"user"`
	Redirect  string       `json:"redirect"`
}

// statusFor classifies err into an HTTP status and a non-leaking body.
func statusFor(err error) (int, errorResponse) {
	switch auth.CodeOf(err) {
	case auth.CodeValidation:
		return http.StatusUnprocessableEntity, errorResponse{Message: auth.MsgValidation, Errors: auth.FieldsOf(err)}
	case auth.CodeDuplicateEmail:
		return http.StatusUnprocessableEntity, errorResponse{Message: auth.MsgDuplicateEmail, Errors: auth.FieldsOf(err)}
	case auth.CodeInvalidCredentials:
		return http.StatusUnauthorized, errorResponse{
			Message: auth.MsgInvalidCredentials,
			Errors:  map[string][]string{"email": {auth.MsgInvalidCredentials}},
		}
	case auth.CodeThrottled:
		return http.StatusTooManyRequests, errorResponse{Message: auth.MsgThrottled}
	case auth.CodeInvalidToken:
		return http.StatusUnprocessableEntity, errorResponse{Message: auth.MsgInvalidToken}
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized, errorResponse{Message: auth.MsgUnauthenticated}
	case auth.CodeForbidden:
		return http.StatusForbidden, errorResponse{Message: auth.MsgForbidden}
	}
	if auth.IsTransient(err) {
		return http.StatusServiceUnavailable, errorResponse{Message: auth.MsgTransient}
	}
	return http.StatusInternalServerError, errorResponse{Message: auth.MsgInternal}
}

// writeError writes the public rendition of err. Server-side failures are
// logged with their full cause; the client sees only the generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		errutil.LogErrorContext(r.Context(), s.logger, slog.LevelError, "request failed", err,
			"route", r.URL.Path)
	}
	if status == http.StatusUnauthorized && auth.CodeOf(err) == auth.CodeUnauthenticated {
		w.Header().Set("WWW-Authenticate", `Bearer`)
	}
	s.writeJSON(w, r, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WarnContext(r.Context(), "failed to encode JSON response", "error", err)
	}
}
