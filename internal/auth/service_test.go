// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/auth/memory"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

// recordingNotifier captures every event it is sent.
type recordingNotifier struct {
	mu     sync.Mutex
	events []auth.Event
	err    error
}

func (n *recordingNotifier) Send(_ context.Context, _ *auth.User, event auth.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Events() []auth.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]auth.Event(nil), n.events...)
}

type serviceEnv struct {
	svc      *auth.Service
	store    *memory.Store
	clock    *fakeClock
	throttle *auth.MemoryThrottle
	notifier *recordingNotifier
	hasher   *auth.Argon2idHasher
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewStore()
	hasher := newTestHasher(t)

	throttle := auth.NewMemoryThrottle(auth.ThrottleConfig{Now: clock.Now})
	t.Cleanup(throttle.Close)

	issuer, err := auth.NewTokenIssuer(store.Tokens(), store.Users(), auth.WithIssuerClock(clock.Now))
	require.NoError(t, err)
	broker, err := auth.NewResetBroker(store.Users(), store.Resets(), 0, clock.Now)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	svc, err := auth.NewService(auth.Dependencies{
		Users:    store.Users(),
		Hasher:   hasher,
		Throttle: throttle,
		Issuer:   issuer,
		Broker:   broker,
		Notifier: notifier,
	}, auth.ServiceConfig{})
	require.NoError(t, err)

	return &serviceEnv{svc: svc, store: store, clock: clock, throttle: throttle, notifier: notifier, hasher: hasher}
}

func (e *serviceEnv) register(t *testing.T, email, password string) *auth.User {
	t.Helper()
	u, err := e.svc.Register(context.Background(), auth.RegisterInput{Name: "Alice", Email: email, Password: password})
	require.NoError(t, err)
	return u
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := auth.NewService(auth.Dependencies{}, auth.ServiceConfig{})
	errutil.AssertErrorCode(t, err, "SERVICE_INVALID_CONFIG")
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("stores hashed password and normalized email", func(t *testing.T) {
		env := newServiceEnv(t)
		u := env.register(t, "Alice@Example.com", "password123")
		assert.Equal(t, "alice@example.com", u.Email)
		assert.NotEqual(t, "password123", u.PasswordHash)

		ok, err := env.hasher.Verify("password123", u.PasswordHash)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("duplicate email", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")

		_, err := env.svc.Register(ctx, auth.RegisterInput{Name: "Other", Email: "ALICE@example.com", Password: "password123"})
		errutil.AssertErrorCode(t, err, auth.CodeDuplicateEmail)
		assert.Contains(t, auth.FieldsOf(err), "email")
	})

	t.Run("validation", func(t *testing.T) {
		env := newServiceEnv(t)
		_, err := env.svc.Register(ctx, auth.RegisterInput{Name: "", Email: "not-an-email", Password: "short"})
		errutil.AssertErrorCode(t, err, auth.CodeValidation)

		fields := auth.FieldsOf(err)
		assert.Equal(t, []string{"email", "name", "password"}, fields.Fields())
		assert.Equal(t, []string{"The password field must be at least 8 characters."}, fields["password"])
	})

	t.Run("whitespace-only name is a field error", func(t *testing.T) {
		env := newServiceEnv(t)
		_, err := env.svc.Register(ctx, auth.RegisterInput{Name: "   \t", Email: "alice@example.com", Password: "password123"})
		errutil.AssertErrorCode(t, err, auth.CodeValidation)
		assert.Equal(t, []string{"The name field is required."}, auth.FieldsOf(err)["name"])

		_, err = env.store.Users().GetByEmail(ctx, "alice@example.com")
		assert.ErrorIs(t, err, auth.ErrNotFound, "no account is created")
	})

	t.Run("name is stored trimmed", func(t *testing.T) {
		env := newServiceEnv(t)
		u, err := env.svc.Register(ctx, auth.RegisterInput{Name: "  Alice  ", Email: "alice@example.com", Password: "password123"})
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.Name)
	})

	t.Run("concurrent duplicates create one account", func(t *testing.T) {
		env := newServiceEnv(t)
		var wg sync.WaitGroup
		results := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.svc.Register(ctx, auth.RegisterInput{Name: "A", Email: "race@example.com", Password: "password123"})
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.Equal(t, auth.CodeDuplicateEmail, auth.CodeOf(err))
		}
		assert.Equal(t, 1, succeeded)
	})
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("issues token and resolves redirect", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")

		res, err := env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "password123", ClientOrigin: "10.0.0.1"})
		require.NoError(t, err)
		assert.Len(t, res.PlainText, 64)
		assert.Equal(t, auth.DefaultRedirectPath, res.Redirect)
		require.NotNil(t, res.Token.ExpiresAt)
		assert.Equal(t, env.clock.Now().Add(auth.DefaultTokenTTL), *res.Token.ExpiresAt)

		user, _, err := env.svc.Authenticate(ctx, res.PlainText)
		require.NoError(t, err)
		assert.Equal(t, res.User.ID, user.ID)
	})

	t.Run("remember issues token without expiry", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")

		res, err := env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "password123", Remember: true})
		require.NoError(t, err)
		assert.Nil(t, res.Token.ExpiresAt)
	})

	t.Run("second login revokes first token", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")
		in := auth.LoginInput{Email: "alice@example.com", Password: "password123"}

		first, err := env.svc.Login(ctx, in)
		require.NoError(t, err)
		second, err := env.svc.Login(ctx, in)
		require.NoError(t, err)

		_, _, err = env.svc.Authenticate(ctx, first.PlainText)
		errutil.AssertErrorCode(t, err, auth.CodeUnauthenticated)
		_, _, err = env.svc.Authenticate(ctx, second.PlainText)
		assert.NoError(t, err)
	})

	t.Run("unknown user and wrong password are indistinguishable", func(t *testing.T) {
		env := newServiceEnv(t)
		alice := env.register(t, "alice@example.com", "password123")

		_, errUnknown := env.svc.Login(ctx, auth.LoginInput{Email: "bob@example.com", Password: "password123"})
		_, errWrong := env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "wrong-password"})

		errutil.AssertErrorCode(t, errUnknown, auth.CodeInvalidCredentials)
		errutil.AssertErrorCode(t, errWrong, auth.CodeInvalidCredentials)
		assert.Equal(t, errUnknown.Error(), errWrong.Error())
		errutil.AssertNoLeak(t, errUnknown, "password123")
		errutil.AssertNoLeak(t, errWrong, "wrong-password", alice.PasswordHash, "$argon2id$")
	})

	t.Run("blocks after max attempts then recovers after decay", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")
		bad := auth.LoginInput{Email: "alice@example.com", Password: "wrong-password", ClientOrigin: "10.0.0.1"}
		good := auth.LoginInput{Email: "alice@example.com", Password: "password123", ClientOrigin: "10.0.0.1"}

		for range auth.DefaultMaxAttempts {
			_, err := env.svc.Login(ctx, bad)
			errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		}

		before := testutil.ToFloat64(auth.LoginAttempts.WithLabelValues(auth.LoginThrottled))
		_, err := env.svc.Login(ctx, good)
		errutil.AssertErrorCode(t, err, auth.CodeThrottled)
		assert.InDelta(t, before+1, testutil.ToFloat64(auth.LoginAttempts.WithLabelValues(auth.LoginThrottled)), 0)

		// Other origins are not affected.
		_, err = env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "password123", ClientOrigin: "10.0.0.2"})
		assert.NoError(t, err)

		env.clock.Advance(auth.DefaultDecay)
		_, err = env.svc.Login(ctx, good)
		assert.NoError(t, err)
	})

	t.Run("success clears failure count", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")
		key := auth.ThrottleKey("alice@example.com", "o")

		_, _ = env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "wrong-password", ClientOrigin: "o"})
		assert.Equal(t, auth.ThrottleCounting, env.throttle.State(key))

		_, err := env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "password123", ClientOrigin: "o"})
		require.NoError(t, err)
		assert.Equal(t, auth.ThrottleClear, env.throttle.State(key))
	})

	t.Run("validation messages", func(t *testing.T) {
		env := newServiceEnv(t)
		_, err := env.svc.Login(ctx, auth.LoginInput{Email: "nope"})
		errutil.AssertErrorCode(t, err, auth.CodeValidation)

		fields := auth.FieldsOf(err)
		assert.Equal(t, []string{"Please enter a valid email address."}, fields["email"])
		assert.Equal(t, []string{"Please enter your password."}, fields["password"])
	})

	t.Run("upgrades legacy bcrypt hash", func(t *testing.T) {
		env := newServiceEnv(t)
		legacy, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
		require.NoError(t, err)
		u, err := auth.NewUser("Legacy", "legacy@example.com", string(legacy))
		require.NoError(t, err)
		require.NoError(t, env.store.Users().Create(ctx, u))

		_, err = env.svc.Login(ctx, auth.LoginInput{Email: "legacy@example.com", Password: "password123"})
		require.NoError(t, err)

		stored, err := env.store.Users().GetByID(ctx, u.ID)
		require.NoError(t, err)
		assert.False(t, env.hasher.NeedsUpgrade(stored.PasswordHash))
	})

	t.Run("role redirect", func(t *testing.T) {
		env := newServiceEnv(t)
		hash, err := env.hasher.Hash("password123")
		require.NoError(t, err)
		u, err := auth.NewUser("Admin", "admin@example.com", hash)
		require.NoError(t, err)
		u.Role = "admin"
		require.NoError(t, env.store.Users().Create(ctx, u))

		res, err := env.svc.Login(ctx, auth.LoginInput{Email: "admin@example.com", Password: "password123"})
		require.NoError(t, err)
		assert.Equal(t, auth.DefaultRedirectPaths().Roles["admin"], res.Redirect)
	})
}

func TestService_Logout(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	env.register(t, "alice@example.com", "password123")

	res, err := env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "password123"})
	require.NoError(t, err)

	_, tok, err := env.svc.Authenticate(ctx, res.PlainText)
	require.NoError(t, err)
	require.NoError(t, env.svc.Logout(ctx, tok))

	_, _, err = env.svc.Authenticate(ctx, res.PlainText)
	errutil.AssertErrorCode(t, err, auth.CodeUnauthenticated)

	// A second logout with the same token fails.
	errutil.AssertErrorCode(t, env.svc.Logout(ctx, tok), auth.CodeUnauthenticated)
	errutil.AssertErrorCode(t, env.svc.Logout(ctx, nil), auth.CodeUnauthenticated)
}

func TestService_PasswordReset(t *testing.T) {
	ctx := context.Background()

	t.Run("full flow", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")
		login, err := env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "password123"})
		require.NoError(t, err)

		require.NoError(t, env.svc.ForgotPassword(ctx, "alice@example.com"))
		events := env.notifier.Events()
		require.Len(t, events, 1)
		assert.Equal(t, auth.EventResetRequested, events[0].Kind)
		token := events[0].Token

		require.NoError(t, env.svc.ResetPassword(ctx, auth.ResetInput{Token: token, Email: "alice@example.com", Password: "new-password"}))

		_, err = env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "password123"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		_, err = env.svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "new-password"})
		assert.NoError(t, err)

		// Existing sessions were revoked by the reset.
		_, _, err = env.svc.Authenticate(ctx, login.PlainText)
		errutil.AssertErrorCode(t, err, auth.CodeUnauthenticated)

		// Reuse is rejected.
		err = env.svc.ResetPassword(ctx, auth.ResetInput{Token: token, Email: "alice@example.com", Password: "another-password"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)

		assert.Equal(t, auth.EventPasswordReset, env.notifier.Events()[1].Kind)
	})

	t.Run("unknown email is silent", func(t *testing.T) {
		env := newServiceEnv(t)
		require.NoError(t, env.svc.ForgotPassword(ctx, "nobody@example.com"))
		assert.Empty(t, env.notifier.Events())
	})

	t.Run("notifier failure is not reported", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")
		env.notifier.err = errors.New("smtp down")
		assert.NoError(t, env.svc.ForgotPassword(ctx, "alice@example.com"))
	})

	t.Run("new request invalidates earlier token", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")
		require.NoError(t, env.svc.ForgotPassword(ctx, "alice@example.com"))
		require.NoError(t, env.svc.ForgotPassword(ctx, "alice@example.com"))
		events := env.notifier.Events()

		err := env.svc.ResetPassword(ctx, auth.ResetInput{Token: events[0].Token, Email: "alice@example.com", Password: "new-password"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
		assert.NoError(t, env.svc.ResetPassword(ctx, auth.ResetInput{Token: events[1].Token, Email: "alice@example.com", Password: "new-password"}))
	})

	t.Run("expired token", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")
		require.NoError(t, env.svc.ForgotPassword(ctx, "alice@example.com"))
		env.clock.Advance(auth.DefaultResetTokenTTL)

		err := env.svc.ResetPassword(ctx, auth.ResetInput{Token: env.notifier.Events()[0].Token, Email: "alice@example.com", Password: "new-password"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("token bound to email", func(t *testing.T) {
		env := newServiceEnv(t)
		env.register(t, "alice@example.com", "password123")
		env.register(t, "bob@example.com", "password123")
		require.NoError(t, env.svc.ForgotPassword(ctx, "alice@example.com"))

		err := env.svc.ResetPassword(ctx, auth.ResetInput{Token: env.notifier.Events()[0].Token, Email: "bob@example.com", Password: "new-password"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidToken)
	})

	t.Run("validation", func(t *testing.T) {
		env := newServiceEnv(t)
		err := env.svc.ResetPassword(ctx, auth.ResetInput{})
		errutil.AssertErrorCode(t, err, auth.CodeValidation)
		assert.Equal(t, []string{"email", "password", "token"}, auth.FieldsOf(err).Fields())

		err = env.svc.ForgotPassword(ctx, "bad")
		errutil.AssertErrorCode(t, err, auth.CodeValidation)
	})
}

// failingUsers is a UserRepository whose lookups fail.
type failingUsers struct {
	mock.Mock
	auth.UserRepository
}

func (m *failingUsers) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	args := m.Called(ctx, email)
	if u := args.Get(0); u != nil {
		return u.(*auth.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestService_BackendFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	users := &failingUsers{}
	users.On("GetByEmail", mock.Anything, "alice@example.com").Return(nil, context.DeadlineExceeded)

	throttle := auth.NewMemoryThrottle(auth.ThrottleConfig{})
	t.Cleanup(throttle.Close)
	issuer, err := auth.NewTokenIssuer(store.Tokens(), users)
	require.NoError(t, err)
	broker, err := auth.NewResetBroker(users, store.Resets(), time.Hour, nil)
	require.NoError(t, err)

	svc, err := auth.NewService(auth.Dependencies{
		Users: users, Hasher: newTestHasher(t), Throttle: throttle,
		Issuer: issuer, Broker: broker, Notifier: auth.LogNotifier{},
	}, auth.ServiceConfig{})
	require.NoError(t, err)

	_, err = svc.Login(ctx, auth.LoginInput{Email: "alice@example.com", Password: "password123"})
	require.Error(t, err)
	assert.True(t, auth.IsTransient(err))
	errutil.AssertErrorContext(t, err, "transient", true)

	err = svc.ForgotPassword(ctx, "alice@example.com")
	require.Error(t, err)
	assert.True(t, auth.IsTransient(err))

	_, err = svc.Register(ctx, auth.RegisterInput{Name: "A", Email: "alice@example.com", Password: "password123"})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "AUTH_REGISTER_FAILED")

	users.AssertExpectations(t)
}
