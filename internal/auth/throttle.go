// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Login throttle defaults.
const (
	// DefaultMaxAttempts is the number of failed logins that blocks a throttle key.
	DefaultMaxAttempts = 5

	// DefaultDecay is the window after the first failure during which failures accumulate.
	DefaultDecay = time.Minute

	// DefaultThrottleCleanupInterval is how often expired counters are swept.
	DefaultThrottleCleanupInterval = 5 * time.Minute
)

// ThrottleState is the state of a single throttle key.
type ThrottleState int

// Throttle key states.
const (
	ThrottleClear ThrottleState = iota
	ThrottleCounting
	ThrottleBlocked
)

// String returns the state name.
func (s ThrottleState) String() string {
	switch s {
	case ThrottleCounting:
		return "counting"
	case ThrottleBlocked:
		return "blocked"
	default:
		return "clear"
	}
}

// Throttle counts failed logins per throttle key.
type Throttle interface {
	// TooManyAttempts reports whether key is blocked and its window has not elapsed.
	TooManyAttempts(ctx context.Context, key string) (bool, error)

	// Hit atomically records a failure and returns the count in the current window.
	Hit(ctx context.Context, key string) (int, error)

	// Clear resets key after a successful authentication.
	Clear(ctx context.Context, key string) error
}

// ThrottleKey builds the compound key lowercase(email)|origin. The same email
// from two origins is counted independently.
func ThrottleKey(email, origin string) string {
	return strings.ToLower(strings.TrimSpace(email)) + "|" + origin
}

// ThrottleConfig configures a MemoryThrottle.
type ThrottleConfig struct {
	// MaxAttempts defaults to DefaultMaxAttempts if zero or negative.
	MaxAttempts int

	// Decay defaults to DefaultDecay if zero or negative.
	Decay time.Duration

	// CleanupInterval defaults to DefaultThrottleCleanupInterval if zero or negative.
	CleanupInterval time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type attemptCounter struct {
	count       int
	windowStart time.Time
}

// MemoryThrottle implements Throttle in process memory. It is safe for
// concurrent use; each operation runs under one lock so increments are atomic.
//
// A background goroutine sweeps expired counters. Call Close to stop it.
type MemoryThrottle struct {
	mu          sync.Mutex
	counters    map[string]*attemptCounter
	maxAttempts int
	decay       time.Duration
	now         func() time.Time

	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	keysGauge prometheus.Gauge
}

// NewMemoryThrottle creates a MemoryThrottle and starts its sweeper.
func NewMemoryThrottle(cfg ThrottleConfig) *MemoryThrottle {
	return newMemoryThrottle(cfg, nil)
}

// NewMemoryThrottleWithRegistry creates a MemoryThrottle and registers a
// gauge of tracked keys with reg.
func NewMemoryThrottleWithRegistry(cfg ThrottleConfig, reg prometheus.Registerer) *MemoryThrottle {
	return newMemoryThrottle(cfg, reg)
}

func newMemoryThrottle(cfg ThrottleConfig, reg prometheus.Registerer) *MemoryThrottle {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	decay := cfg.Decay
	if decay <= 0 {
		decay = DefaultDecay
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultThrottleCleanupInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	t := &MemoryThrottle{
		counters:    make(map[string]*attemptCounter),
		maxAttempts: maxAttempts,
		decay:       decay,
		now:         now,
		stopChan:    make(chan struct{}),
	}

	if reg != nil {
		t.keysGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_throttle_keys",
			Help: "Current number of tracked login throttle keys",
		})
		reg.MustRegister(t.keysGauge)
	}

	t.wg.Add(1)
	go t.cleanupLoop(interval)

	return t
}

// TooManyAttempts reports whether key is blocked.
func (t *MemoryThrottle) TooManyAttempts(_ context.Context, key string) (bool, error) {
	return t.State(key) == ThrottleBlocked, nil
}

// Hit records a failure for key. A counter whose window has elapsed starts over.
func (t *MemoryThrottle) Hit(_ context.Context, key string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	c, ok := t.counters[key]
	if !ok || t.elapsed(c, now) {
		c = &attemptCounter{windowStart: now}
		t.counters[key] = c
		t.setKeysGauge()
	}
	c.count++
	return c.count, nil
}

// Clear forgets key.
func (t *MemoryThrottle) Clear(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counters, key)
	t.setKeysGauge()
	return nil
}

// State returns the current state of key. A key whose window has elapsed is
// Clear even if it was never cleared explicitly.
func (t *MemoryThrottle) State(key string) ThrottleState {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.counters[key]
	if !ok || t.elapsed(c, t.now()) {
		return ThrottleClear
	}
	if c.count >= t.maxAttempts {
		return ThrottleBlocked
	}
	return ThrottleCounting
}

// KeyCount returns the number of tracked keys.
func (t *MemoryThrottle) KeyCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counters)
}

// KeysGauge returns the tracked keys gauge, or nil when created without a registry.
func (t *MemoryThrottle) KeysGauge() prometheus.Gauge {
	return t.keysGauge
}

// Cleanup removes counters whose window has elapsed.
func (t *MemoryThrottle) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, c := range t.counters {
		if t.elapsed(c, now) {
			delete(t.counters, key)
		}
	}
	t.setKeysGauge()
}

// Close stops the sweeper and blocks until it has exited. Safe to call twice.
func (t *MemoryThrottle) Close() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}

// setKeysGauge must be called with mu held.
func (t *MemoryThrottle) setKeysGauge() {
	if t.keysGauge != nil {
		t.keysGauge.Set(float64(len(t.counters)))
	}
}

// elapsed must be called with mu held.
func (t *MemoryThrottle) elapsed(c *attemptCounter, now time.Time) bool {
	return !now.Before(c.windowStart.Add(t.decay))
}

func (t *MemoryThrottle) cleanupLoop(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.Cleanup()
		}
	}
}

// Compile-time interface check.
var _ Throttle = (*MemoryThrottle)(nil)
