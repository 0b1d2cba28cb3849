// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/observability"
	"github.com/holomush/gatekeeper/internal/store"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// StoreFactory opens the configured credential store.
	// Default: openStore
	StoreFactory func(ctx context.Context, cfg *config.Config) (*Repositories, error)

	// ThrottleFactory opens the configured login throttle. The returned
	// func releases it.
	// Default: openThrottle
	ThrottleFactory func(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (auth.Throttle, func(), error)

	// MigratorFactory creates a migrator for auto-migration.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (AutoMigrator, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, opts ...observability.Option) ObservabilityServer

	// Notifier delivers account events.
	// Default: auth.LogNotifier
	Notifier auth.Notifier

	// SweepInterval is how often expired tokens and resets are deleted.
	// Default: defaultSweepInterval
	SweepInterval time.Duration

	// OnReady is called with the API address once the server is listening.
	OnReady func(apiAddr string)
}

// MigrateDeps contains injectable dependencies for the migrate command.
type MigrateDeps struct {
	// MigratorFactory creates a migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)
}

// Repositories is an opened credential store.
type Repositories struct {
	Users  auth.UserRepository
	Tokens auth.TokenRepository
	Resets auth.PasswordResetRepository

	// Ready reports whether the backend is reachable. Nil means always ready.
	Ready observability.Check

	// Close releases the backend. May be nil.
	Close func()
}

// AutoMigrator interface wraps the methods used for startup migration.
type AutoMigrator interface {
	Up() error
	Close() error
}

// Migrator interface wraps the methods used from store.Migrator.
type Migrator interface {
	AutoMigrator
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Status() (store.Status, error)
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registerer() prometheus.Registerer
	Metrics() *observability.Metrics
	SetServing(serving bool)
}
