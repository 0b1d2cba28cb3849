// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
)

// DefaultPasswordMinLength is the minimum accepted password length.
const DefaultPasswordMinLength = 8

// dummyPasswordHash is verified against when a user doesn't exist so that a
// missing account costs the same time as a wrong password. It matches no password.
//
//nolint:gosec // G101: This is an intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// ServiceConfig holds Service policy.
type ServiceConfig struct {
	// TokenTTL is the lifetime of tokens issued without remember-me.
	// Defaults to DefaultTokenTTL.
	TokenTTL time.Duration

	// PasswordMinLength defaults to DefaultPasswordMinLength.
	PasswordMinLength int

	// Redirects resolves the post-login path. Defaults to DefaultRedirectPaths.
	Redirects RedirectPaths

	// OperationTimeout bounds each operation including store and notifier
	// calls. Zero means the caller's context alone bounds it.
	OperationTimeout time.Duration
}

// Dependencies are the components a Service orchestrates.
type Dependencies struct {
	Users    UserRepository
	Hasher   PasswordHasher
	Throttle Throttle
	Issuer   *TokenIssuer
	Broker   *ResetBroker
	Notifier Notifier
	Logger   *slog.Logger // optional, defaults to slog.Default()
}

// RegisterInput is the data needed to create an account.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// LoginInput is a credential presentation.
type LoginInput struct {
	Email        string
	Password     string
	Remember     bool
	ClientOrigin string // network origin of the caller, part of the throttle key
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	User      *User
	Token     *SessionToken
	PlainText string // bearer secret, shown once
	Redirect  string
}

// ResetInput is a password reset submission.
type ResetInput struct {
	Token    string
	Email    string
	Password string
}

// Service implements register, login, logout and the password reset flow.
type Service struct {
	users     UserRepository
	hasher    PasswordHasher
	throttle  Throttle
	issuer    *TokenIssuer
	broker    *ResetBroker
	notifier  Notifier
	logger    *slog.Logger
	cfg       ServiceConfig
	validate  *validator.Validate
	dummyHash string
}

// NewService creates a Service. All dependencies except Logger are required.
func NewService(deps Dependencies, cfg ServiceConfig) (*Service, error) {
	switch {
	case deps.Users == nil:
		return nil, oops.Code("SERVICE_INVALID_CONFIG").Errorf("user repository is required")
	case deps.Hasher == nil:
		return nil, oops.Code("SERVICE_INVALID_CONFIG").Errorf("password hasher is required")
	case deps.Throttle == nil:
		return nil, oops.Code("SERVICE_INVALID_CONFIG").Errorf("throttle is required")
	case deps.Issuer == nil:
		return nil, oops.Code("SERVICE_INVALID_CONFIG").Errorf("token issuer is required")
	case deps.Broker == nil:
		return nil, oops.Code("SERVICE_INVALID_CONFIG").Errorf("reset broker is required")
	case deps.Notifier == nil:
		return nil, oops.Code("SERVICE_INVALID_CONFIG").Errorf("notifier is required")
	}

	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.PasswordMinLength <= 0 {
		cfg.PasswordMinLength = DefaultPasswordMinLength
	}
	if cfg.Redirects.Default == "" && len(cfg.Redirects.Roles) == 0 {
		cfg.Redirects = DefaultRedirectPaths()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Hash a throwaway secret with the configured cost so lookups of unknown
	// accounts take as long as real verifications.
	dummy := dummyPasswordHash
	if secret, _, err := GenerateToken(); err == nil {
		if h, hashErr := deps.Hasher.Hash(secret); hashErr == nil {
			dummy = h
		}
	}

	return &Service{
		users:     deps.Users,
		hasher:    deps.Hasher,
		throttle:  deps.Throttle,
		issuer:    deps.Issuer,
		broker:    deps.Broker,
		notifier:  deps.Notifier,
		logger:    logger,
		cfg:       cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		dummyHash: dummy,
	}, nil
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// Register creates an account. The returned user must not be serialized with
// its PasswordHash.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	fields := FieldErrors{}
	s.checkName(fields, in.Name)
	s.checkEmail(fields, in.Email)
	s.checkPassword(fields, in.Password)
	if len(fields) > 0 {
		return nil, ErrValidation(fields)
	}

	// Cheap early exit; the store constraint below is authoritative.
	if _, err := s.users.GetByEmail(ctx, in.Email); err == nil {
		return nil, ErrEmailTaken()
	} else if !errors.Is(err, ErrNotFound) {
		return nil, backendFailure("AUTH_REGISTER_FAILED", "get user by email", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").With("operation", "hash password").Wrap(err)
	}

	user, err := NewUser(in.Name, in.Email, hash)
	if err != nil {
		return nil, oops.Code("AUTH_REGISTER_FAILED").With("operation", "new user").Wrap(err)
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, ErrEmailTaken()
		}
		return nil, backendFailure("AUTH_REGISTER_FAILED", "create user", err)
	}

	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID.String())
	return user, nil
}

// Login verifies credentials and issues a bearer token. Every earlier token
// of the user is revoked before the new one is issued.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	key := ThrottleKey(in.Email, in.ClientOrigin)

	blocked, err := s.throttle.TooManyAttempts(ctx, key)
	if err != nil {
		LoginAttempts.WithLabelValues(LoginError).Inc()
		return nil, backendFailure("AUTH_LOGIN_FAILED", "check throttle", err)
	}
	if blocked {
		LoginAttempts.WithLabelValues(LoginThrottled).Inc()
		return nil, ErrThrottled()
	}

	fields := FieldErrors{}
	if in.Email == "" {
		fields.Add("email", "Please enter your email address.")
	} else if s.validate.Var(in.Email, "email") != nil {
		fields.Add("email", "Please enter a valid email address.")
	}
	if in.Password == "" {
		fields.Add("password", "Please enter your password.")
	}
	if len(fields) > 0 {
		return nil, ErrValidation(fields)
	}

	user, lookupErr := s.users.GetByEmail(ctx, in.Email)
	targetHash := s.dummyHash
	switch {
	case lookupErr == nil:
		targetHash = user.PasswordHash
	case errors.Is(lookupErr, ErrNotFound):
		user = nil
	default:
		LoginAttempts.WithLabelValues(LoginError).Inc()
		return nil, backendFailure("AUTH_LOGIN_FAILED", "get user by email", lookupErr)
	}

	// Always verify, even for unknown users, to keep timing constant.
	valid, verifyErr := s.hasher.Verify(in.Password, targetHash)
	if verifyErr != nil && user != nil {
		s.logger.WarnContext(ctx, "stored password hash is unreadable",
			"operation", "verify_password",
			"user_id", user.ID.String(),
			"error", verifyErr.Error())
	}

	if user == nil || verifyErr != nil || !valid {
		if _, err := s.throttle.Hit(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "best-effort throttle update failed",
				"operation", "throttle_hit",
				"error", err.Error())
		}
		LoginAttempts.WithLabelValues(LoginFailed).Inc()
		return nil, ErrBadCredentials()
	}

	if err := s.throttle.Clear(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "best-effort throttle update failed",
			"operation", "throttle_clear",
			"error", err.Error())
	}

	s.upgradeHash(ctx, user, in.Password)

	if err := s.issuer.RevokeAll(ctx, user.ID); err != nil {
		LoginAttempts.WithLabelValues(LoginError).Inc()
		return nil, err
	}

	ttl := s.cfg.TokenTTL
	if in.Remember {
		ttl = NoExpiry
	}
	token, plaintext, err := s.issuer.Issue(ctx, user, []string{AbilityAll}, ttl)
	if err != nil {
		LoginAttempts.WithLabelValues(LoginError).Inc()
		return nil, err
	}

	LoginAttempts.WithLabelValues(LoginSuccess).Inc()
	return &LoginResult{
		User:      user,
		Token:     token,
		PlainText: plaintext,
		Redirect:  s.cfg.Redirects.Resolve(user.Role),
	}, nil
}

// upgradeHash rehashes a password stored with a legacy algorithm or cost.
func (s *Service) upgradeHash(ctx context.Context, user *User, password string) {
	if !s.hasher.NeedsUpgrade(user.PasswordHash) {
		return
	}
	newHash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.users.UpdatePassword(ctx, user.ID, newHash)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "best-effort password rehash failed",
			"operation", "upgrade_hash",
			"user_id", user.ID.String(),
			"error", err.Error())
		return
	}
	user.PasswordHash = newHash
}

// Authenticate resolves a bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*User, *SessionToken, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.issuer.Validate(ctx, bearer)
}

// Logout revokes only the token used for the current request.
func (s *Service) Logout(ctx context.Context, current *SessionToken) error {
	if current == nil {
		return ErrUnauthenticated()
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.issuer.Revoke(ctx, current.ID)
}

// ForgotPassword issues a reset token and hands it to the notifier. The
// outcome is the same whether or not the email is registered; notifier
// failures are logged, not returned.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	fields := FieldErrors{}
	s.checkEmail(fields, email)
	if len(fields) > 0 {
		return ErrValidation(fields)
	}

	req, err := s.broker.Request(ctx, email)
	if err != nil {
		PasswordResets.WithLabelValues("request", "error").Inc()
		return err
	}
	if req == nil {
		PasswordResets.WithLabelValues("request", "unknown_email").Inc()
		return nil
	}

	event := Event{Kind: EventResetRequested, Token: req.Token, ExpiresAt: req.ExpiresAt}
	if err := s.notifier.Send(ctx, req.User, event); err != nil {
		s.logger.WarnContext(ctx, "reset notification failed",
			"operation", "notify_reset_requested",
			"user_id", req.User.ID.String(),
			"error", err.Error())
		PasswordResets.WithLabelValues("request", "notify_failed").Inc()
		return nil
	}

	PasswordResets.WithLabelValues("request", "sent").Inc()
	return nil
}

// ResetPassword consumes a reset token and sets a new password. Every
// existing bearer token of the user is revoked afterwards.
func (s *Service) ResetPassword(ctx context.Context, in ResetInput) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	fields := FieldErrors{}
	if in.Token == "" {
		fields.Add("token", "The token field is required.")
	}
	s.checkEmail(fields, in.Email)
	s.checkPassword(fields, in.Password)
	if len(fields) > 0 {
		return ErrValidation(fields)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return oops.Code("AUTH_RESET_FAILED").With("operation", "hash password").Wrap(err)
	}

	userID, err := s.broker.Consume(ctx, in.Token, in.Email, hash)
	if err != nil {
		PasswordResets.WithLabelValues("consume", "rejected").Inc()
		return err
	}
	PasswordResets.WithLabelValues("consume", "success").Inc()

	if err := s.issuer.RevokeAll(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "best-effort token revocation failed",
			"operation", "revoke_after_reset",
			"user_id", userID.String(),
			"error", err.Error())
	}

	if user, err := s.users.GetByID(ctx, userID); err == nil {
		if err := s.notifier.Send(ctx, user, Event{Kind: EventPasswordReset}); err != nil {
			s.logger.WarnContext(ctx, "reset notification failed",
				"operation", "notify_password_reset",
				"user_id", userID.String(),
				"error", err.Error())
		}
	}

	return nil
}

func (s *Service) checkName(fields FieldErrors, name string) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		fields.Add("name", "The name field is required.")
	case len(name) > MaxNameLength:
		fields.Add("name", fmt.Sprintf("The name field must not be greater than %d characters.", MaxNameLength))
	}
}

func (s *Service) checkEmail(fields FieldErrors, email string) {
	switch {
	case email == "":
		fields.Add("email", "The email field is required.")
	case len(email) > MaxEmailLength:
		fields.Add("email", fmt.Sprintf("The email field must not be greater than %d characters.", MaxEmailLength))
	case s.validate.Var(email, "email") != nil:
		fields.Add("email", "The email field must be a valid email address.")
	}
}

func (s *Service) checkPassword(fields FieldErrors, password string) {
	switch {
	case password == "":
		fields.Add("password", "The password field is required.")
	case len(password) < s.cfg.PasswordMinLength:
		fields.Add("password", fmt.Sprintf("The password field must be at least %d characters.", s.cfg.PasswordMinLength))
	}
}
