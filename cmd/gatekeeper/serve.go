// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/auth/memory"
	"github.com/holomush/gatekeeper/internal/auth/postgres"
	"github.com/holomush/gatekeeper/internal/auth/redis"
	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/httpapi"
	"github.com/holomush/gatekeeper/internal/logging"
	"github.com/holomush/gatekeeper/internal/observability"
	"github.com/holomush/gatekeeper/internal/store"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

const (
	defaultSweepInterval = 10 * time.Minute
	shutdownTimeout      = 10 * time.Second
	readinessPingTimeout = time.Second
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication API",
		Long: `Start the HTTP API serving register, login, logout, forgot-password
and reset-password, plus the metrics and health endpoints.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath(configFile), cmd.Flags())
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

// runServeWithDeps starts the service with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.StoreFactory == nil {
		deps.StoreFactory = openStore
	}
	if deps.ThrottleFactory == nil {
		deps.ThrottleFactory = openThrottle
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(url string) (AutoMigrator, error) {
			return store.NewMigrator(url)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, opts ...observability.Option) ObservabilityServer {
			return observability.NewServer(addr, opts...)
		}
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = defaultSweepInterval
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.SetDefault(logging.Options{
		Service: "gatekeeper",
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.LogLevel(),
		Writer:  cmd.ErrOrStderr(),
	})
	if deps.Notifier == nil {
		deps.Notifier = auth.LogNotifier{Logger: logger}
	}

	logger.Info("starting gatekeeper",
		"http_addr", cfg.HTTP.Addr,
		"store_backend", cfg.Store.Backend,
		"throttle_backend", cfg.Throttle.Backend)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Store.Backend == config.BackendPostgres && cfg.Database.AutoMigrate {
		if err := autoMigrate(deps.MigratorFactory, cfg.Database.URL); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	repos, err := deps.StoreFactory(ctx, cfg)
	if err != nil {
		return oops.Code("STORE_OPEN_FAILED").With("backend", cfg.Store.Backend).Wrap(err)
	}
	if repos.Close != nil {
		defer repos.Close()
	}

	var obsServer ObservabilityServer
	var registerer prometheus.Registerer = prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr,
			observability.WithLogger(logger),
			observability.WithCheckTimeout(readinessPingTimeout),
			observability.WithCheck("store", repos.Ready))
		registerer = obsServer.Registerer()
		metrics = obsServer.Metrics()
	}
	auth.RegisterMetrics(registerer)

	throttle, closeThrottle, err := deps.ThrottleFactory(ctx, cfg, registerer)
	if err != nil {
		return oops.Code("THROTTLE_OPEN_FAILED").With("backend", cfg.Throttle.Backend).Wrap(err)
	}
	if closeThrottle != nil {
		defer closeThrottle()
	}

	notifier := auth.NewAsyncNotifier(deps.Notifier, auth.AsyncNotifierConfig{Logger: logger})
	defer notifier.Close()

	svc, sweepers, err := buildService(cfg, repos, throttle, notifier, logger)
	if err != nil {
		return err
	}

	apiOpts := []httpapi.Option{httpapi.WithLogger(logger)}
	if metrics != nil {
		apiOpts = append(apiOpts, httpapi.WithMetrics(metrics))
	}
	api, err := httpapi.NewServer(httpapi.Config{
		Addr:               cfg.HTTP.Addr,
		ReadHeaderTimeout:  cfg.HTTP.ReadHeaderTimeout,
		CORSOrigins:        cfg.HTTP.CORSOrigins,
		TrustProxy:         cfg.HTTP.TrustProxy,
		LoginRatePerMinute: cfg.HTTP.LoginRatePerMinute,
	}, svc, apiOpts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	apiErrChan, err := api.Start()
	if err != nil {
		api.Close()
		return err
	}
	go monitorServerErrors(ctx, cancel, apiErrChan, "http")

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if stopErr := api.Stop(shutdownCtx); stopErr != nil {
				logger.Warn("failed to stop http server during cleanup", "error", stopErr)
			}
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSweeper(ctx, deps.SweepInterval, logger, sweepers...)
	}()

	if obsServer != nil {
		obsServer.SetServing(true)
	}
	cmd.Println("Gatekeeper started")
	logger.Info("gatekeeper ready", "http_addr", api.Addr())
	if deps.OnReady != nil {
		deps.OnReady(api.Addr())
	}

	<-ctx.Done()
	if obsServer != nil {
		obsServer.SetServing(false)
	}
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("error stopping http server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}
	wg.Wait()

	logger.Info("shutdown complete")
	return nil
}

// buildService wires the auth components over repos.
func buildService(cfg *config.Config, repos *Repositories, throttle auth.Throttle, notifier auth.Notifier, logger *slog.Logger) (*auth.Service, []sweeper, error) {
	hasher, err := auth.NewArgon2idHasher(cfg.HasherParams())
	if err != nil {
		return nil, nil, err
	}
	issuer, err := auth.NewTokenIssuer(repos.Tokens, repos.Users, auth.WithIssuerLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	broker, err := auth.NewResetBroker(repos.Users, repos.Resets, cfg.Auth.ResetTTL, nil)
	if err != nil {
		return nil, nil, err
	}

	svc, err := auth.NewService(auth.Dependencies{
		Users:    repos.Users,
		Hasher:   hasher,
		Throttle: throttle,
		Issuer:   issuer,
		Broker:   broker,
		Notifier: notifier,
		Logger:   logger,
	}, auth.ServiceConfig{
		TokenTTL:          cfg.Auth.TokenTTL,
		PasswordMinLength: cfg.Auth.PasswordMinLength,
		Redirects:         cfg.RedirectPaths(),
		OperationTimeout:  cfg.HTTP.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return svc, []sweeper{
		namedSweeper{"tokens", issuer},
		namedSweeper{"password_resets", broker},
	}, nil
}

// openStore opens the configured credential store backend.
func openStore(ctx context.Context, cfg *config.Config) (*Repositories, error) {
	if cfg.Store.Backend == config.BackendMemory {
		s := memory.NewStore()
		slog.Warn("using in-memory credential store; all accounts are lost on restart")
		return &Repositories{Users: s.Users(), Tokens: s.Tokens(), Resets: s.Resets()}, nil
	}

	pool, err := store.Connect(ctx, store.ConnectConfig{
		URL:     cfg.Database.URL,
		Retries: cfg.Database.ConnectRetries,
	})
	if err != nil {
		return nil, err
	}
	s := postgres.NewStore(pool)
	return &Repositories{
		Users:  s.Users,
		Tokens: s.Tokens,
		Resets: s.Resets,
		Ready:  pool.Ping,
		Close:  pool.Close,
	}, nil
}

// openThrottle opens the configured login throttle backend.
func openThrottle(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (auth.Throttle, func(), error) {
	if cfg.Throttle.Backend != config.BackendRedis {
		t := auth.NewMemoryThrottleWithRegistry(cfg.ThrottleConfig(), reg)
		return t, t.Close, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", cfg.Redis.Addr).Wrap(err)
	}
	t, err := redis.NewThrottle(client, cfg.ThrottleConfig())
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return t, func() { _ = client.Close() }, nil
}

func autoMigrate(factory func(string) (AutoMigrator, error), databaseURL string) error {
	migrator, err := factory(databaseURL)
	if err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			slog.Warn("failed to close migrator", "error", closeErr)
		}
	}()
	if err := migrator.Up(); err != nil {
		return oops.Code("AUTO_MIGRATION_FAILED").With("operation", "apply migrations").Wrap(err)
	}
	return nil
}

// monitorServerErrors cancels ctx when a server reports a serve error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type namedSweeper struct {
	name string
	sweeper
}

// runSweeper deletes expired rows every interval until ctx is done.
func runSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger, sweepers ...sweeper) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, logger, sweepers...)
		}
	}
}

func sweepOnce(ctx context.Context, logger *slog.Logger, sweepers ...sweeper) {
	for _, s := range sweepers {
		name := "sweeper"
		if ns, ok := s.(namedSweeper); ok {
			name = ns.name
		}
		n, err := s.Sweep(ctx)
		if err != nil {
			errutil.LogErrorContext(ctx, logger, slog.LevelWarn, "best-effort sweep failed", err,
				"operation", "sweep_"+name)
			continue
		}
		if n > 0 {
			logger.InfoContext(ctx, "swept expired rows", "table", name, "count", n)
		}
	}
}
