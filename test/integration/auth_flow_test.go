// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/gatekeeper/internal/auth"
	authpg "github.com/holomush/gatekeeper/internal/auth/postgres"
	authredis "github.com/holomush/gatekeeper/internal/auth/redis"
	"github.com/holomush/gatekeeper/internal/httpapi"
	"github.com/holomush/gatekeeper/internal/store"
)

// mailbox captures reset tokens handed to the notifier.
type mailbox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *mailbox) record(_ context.Context, user *auth.User, event auth.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Kind == auth.EventResetRequested {
		m.tokens[user.Email] = event.Token
	}
	return nil
}

func (m *mailbox) token(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email]
}

// testEnv holds the containers and the API under test.
type testEnv struct {
	ctx      context.Context
	cancel   context.CancelFunc
	pg       testcontainers.Container
	redis    testcontainers.Container
	pool     *pgxpool.Pool
	client   *goredis.Client
	api      *httpapi.Server
	server   *httptest.Server
	mail     *mailbox
}

func setupTestEnv() (*testEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	env := &testEnv{ctx: ctx, cancel: cancel, mail: &mailbox{tokens: map[string]string{}}}

	pg, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("gatekeeper_test"),
		postgres.WithUsername("gatekeeper"),
		postgres.WithPassword("gatekeeper"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.pg = pg

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.cleanup()
		return nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		env.cleanup()
		return nil, err
	}
	_ = migrator.Close()

	env.pool, err = store.Connect(ctx, store.ConnectConfig{URL: connStr, Retries: 3})
	if err != nil {
		env.cleanup()
		return nil, err
	}

	rc, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		env.cleanup()
		return nil, err
	}
	env.redis = rc
	uri, err := rc.ConnectionString(ctx)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	env.client = goredis.NewClient(opts)

	if err := env.buildAPI(); err != nil {
		env.cleanup()
		return nil, err
	}
	return env, nil
}

func (e *testEnv) buildAPI() error {
	repos := authpg.NewStore(e.pool)

	hasher, err := auth.NewArgon2idHasher(auth.HasherParams{Memory: 1024, Iterations: 1, Parallelism: 1})
	if err != nil {
		return err
	}
	throttle, err := authredis.NewThrottle(e.client, auth.ThrottleConfig{})
	if err != nil {
		return err
	}
	issuer, err := auth.NewTokenIssuer(repos.Tokens, repos.Users)
	if err != nil {
		return err
	}
	broker, err := auth.NewResetBroker(repos.Users, repos.Resets, 0, nil)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(auth.Dependencies{
		Users:    repos.Users,
		Hasher:   hasher,
		Throttle: throttle,
		Issuer:   issuer,
		Broker:   broker,
		Notifier: auth.NotifierFunc(e.mail.record),
	}, auth.ServiceConfig{OperationTimeout: 10 * time.Second})
	if err != nil {
		return err
	}

	e.api, err = httpapi.NewServer(httpapi.Config{LoginRatePerMinute: 1000}, svc)
	if err != nil {
		return err
	}
	e.server = httptest.NewServer(e.api.Handler())
	return nil
}

func (e *testEnv) cleanup() {
	if e.server != nil {
		e.server.Close()
	}
	if e.api != nil {
		e.api.Close()
	}
	if e.client != nil {
		_ = e.client.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	bg := context.Background()
	if e.redis != nil {
		_ = e.redis.Terminate(bg)
	}
	if e.pg != nil {
		_ = e.pg.Terminate(bg)
	}
	e.cancel()
}

// uniqueEmail keeps specs independent while sharing one database.
func (e *testEnv) uniqueEmail(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String()) + "@example.com"
}

func (e *testEnv) call(method, path, bearer string, body any) (int, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
	}
	req, err := http.NewRequestWithContext(e.ctx, method, e.server.URL+path, &buf)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.server.Client().Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func (e *testEnv) register(email, password string) int {
	status, _ := e.call(http.MethodPost, "/register", "", map[string]any{
		"name": "Integration", "email": email, "password": password, "password_confirmation": password,
	})
	return status
}

func (e *testEnv) login(email, password string) (int, string) {
	status, body := e.call(http.MethodPost, "/login", "", map[string]any{"email": email, "password": password})
	token, _ := body["token"].(string)
	return status, token
}

var _ = Describe("Authentication API", Ordered, func() {
	var env *testEnv

	BeforeAll(func() {
		var err error
		env, err = setupTestEnv()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if env != nil {
			env.cleanup()
		}
	})

	Describe("session lifecycle", func() {
		It("registers, logs in, reads the user and logs out", func() {
			email := env.uniqueEmail("life")
			Expect(env.register(email, "password123")).To(Equal(http.StatusCreated))

			status, token := env.login(email, "password123")
			Expect(status).To(Equal(http.StatusOK))
			Expect(token).NotTo(BeEmpty())

			status, body := env.call(http.MethodGet, "/user", token, nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(body["email"]).To(Equal(email))

			status, _ = env.call(http.MethodPost, "/logout", token, nil)
			Expect(status).To(Equal(http.StatusOK))

			status, _ = env.call(http.MethodGet, "/user", token, nil)
			Expect(status).To(Equal(http.StatusUnauthorized))
		})

		It("rejects a second registration with the same email in any case", func() {
			email := env.uniqueEmail("dupe")
			Expect(env.register(email, "password123")).To(Equal(http.StatusCreated))
			Expect(env.register(strings.ToUpper(email), "password123")).
				To(Equal(http.StatusUnprocessableEntity))
		})

		It("lets exactly one of many concurrent registrations win", func() {
			email := env.uniqueEmail("race")
			const n = 8
			var created atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					if env.register(email, "password123") == http.StatusCreated {
						created.Add(1)
					}
				}()
			}
			wg.Wait()
			Expect(created.Load()).To(Equal(int32(1)))
		})
	})

	Describe("login throttling", func() {
		It("blocks a key after repeated failures, even for the right password", func() {
			email := env.uniqueEmail("throttle")
			Expect(env.register(email, "password123")).To(Equal(http.StatusCreated))

			for i := 0; i < auth.DefaultMaxAttempts; i++ {
				status, _ := env.login(email, "wrong-password")
				Expect(status).To(Equal(http.StatusUnauthorized))
			}

			status, _ := env.login(email, "password123")
			Expect(status).To(Equal(http.StatusTooManyRequests))
		})
	})

	Describe("password reset", func() {
		It("resets once, revokes sessions and rejects reuse", func() {
			email := env.uniqueEmail("reset")
			Expect(env.register(email, "password123")).To(Equal(http.StatusCreated))
			_, session := env.login(email, "password123")

			status, _ := env.call(http.MethodPost, "/forgot-password", "", map[string]any{"email": email})
			Expect(status).To(Equal(http.StatusOK))
			token := env.mail.token(email)
			Expect(token).NotTo(BeEmpty())

			reset := map[string]any{
				"token": token, "email": email,
				"password": "brand-new-pass", "password_confirmation": "brand-new-pass",
			}

			var successes atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					if s, _ := env.call(http.MethodPost, "/reset-password", "", reset); s == http.StatusOK {
						successes.Add(1)
					}
				}()
			}
			wg.Wait()
			Expect(successes.Load()).To(Equal(int32(1)))

			status, _ = env.call(http.MethodGet, "/user", session, nil)
			Expect(status).To(Equal(http.StatusUnauthorized))

			status, _ = env.login(email, "password123")
			Expect(status).To(Equal(http.StatusUnauthorized))
			status, _ = env.login(email, "brand-new-pass")
			Expect(status).To(Equal(http.StatusOK))
		})

		It("answers unknown emails exactly like known ones", func() {
			status, unknown := env.call(http.MethodPost, "/forgot-password", "", map[string]any{"email": env.uniqueEmail("ghost")})
			Expect(status).To(Equal(http.StatusOK))

			email := env.uniqueEmail("known")
			Expect(env.register(email, "password123")).To(Equal(http.StatusCreated))
			status, known := env.call(http.MethodPost, "/forgot-password", "", map[string]any{"email": email})
			Expect(status).To(Equal(http.StatusOK))
			Expect(known).To(Equal(unknown))
		})
	})
})
