// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/holomush/gatekeeper/internal/auth"
)

type registerRequest struct {
	Name                 string `json:"name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation" validate:"eqfield=Password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token                string `json:"token"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation" validate:"eqfield=Password"`
}

// decode reads a JSON object into dst. A field of the wrong JSON type is a
// validation error on that field; any other unreadable body is reported with
// MsgMalformedBody. Both answer 422.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	err := dec.Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		fields := auth.FieldErrors{}
		fields.Add(typeErr.Field, typeMessage(typeErr.Field, typeErr.Type.Kind()))
		s.writeError(w, r, auth.ErrValidation(fields))
		return false
	}
	s.writeJSON(w, r, http.StatusUnprocessableEntity, errorResponse{Message: MsgMalformedBody})
	return false
}

// typeMessage describes the JSON type a request field expects.
func typeMessage(field string, kind reflect.Kind) string {
	switch kind {
	case reflect.Bool:
		return fmt.Sprintf("The %s field must be true or false.", field)
	case reflect.String:
		return fmt.Sprintf("The %s field must be a string.", field)
	default:
		return fmt.Sprintf("The %s field has an invalid type.", field)
	}
}

// confirmed checks password_confirmation. A mismatch is a validation error on
// the password field; the service is not called.
func (s *Server) confirmed(w http.ResponseWriter, r *http.Request, req any) bool {
	err := s.validate.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		s.writeError(w, r, err)
		return false
	}
	fields := auth.FieldErrors{}
	for range verrs {
		fields.Add("password", MsgConfirmation)
	}
	s.writeError(w, r, auth.ErrValidation(fields))
	return false
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) || !s.confirmed(w, r, &req) {
		return
	}

	user, err := s.svc.Register(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusCreated, registerResponse{Message: MsgRegistered, User: newUserResponse(user)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.svc.Login(r.Context(), auth.LoginInput{
		Email:        req.Email,
		Password:     req.Password,
		Remember:     req.Remember,
		ClientOrigin: clientIP(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, loginResponse{
		Message:   MsgLoggedIn,
		Token:     result.PlainText,
		TokenType: "Bearer",
		ExpiresAt: result.Token.ExpiresAt,
		User:      newUserResponse(result.User),
		Redirect:  result.Redirect,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, r, auth.ErrUnauthenticated())
		return
	}
	if err := s.svc.Logout(r.Context(), p.token); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: MsgLoggedOut})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	p, ok := principalFrom(r.Context())
	if !ok {
		s.writeError(w, r, auth.ErrUnauthenticated())
		return
	}
	s.writeJSON(w, r, http.StatusOK, newUserResponse(p.user))
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: MsgResetSent})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !s.decode(w, r, &req) || !s.confirmed(w, r, &req) {
		return
	}

	err := s.svc.ResetPassword(r.Context(), auth.ResetInput{
		Token:    req.Token,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, messageResponse{Message: MsgResetComplete})
}
