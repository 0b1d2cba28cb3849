// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package redis provides a Redis-backed login throttle so that several
// Gatekeeper instances share failure counts.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/auth"
)

// DefaultKeyPrefix namespaces throttle keys.
const DefaultKeyPrefix = "gatekeeper:throttle:"

// hitScript increments the counter and starts its window on the first hit,
// so the window is measured from the first failure.
var hitScript = goredis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Client is the subset of go-redis the throttle uses.
type Client interface {
	goredis.Scripter
	Get(ctx context.Context, key string) *goredis.StringCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Throttle implements auth.Throttle on Redis. Counters expire on their own
// when the decay window elapses.
type Throttle struct {
	client      Client
	prefix      string
	maxAttempts int
	decay       time.Duration
}

// NewThrottle creates a Throttle. Zero values in cfg take the auth package
// defaults; cfg.Now and cfg.CleanupInterval are ignored because Redis owns expiry.
func NewThrottle(client Client, cfg auth.ThrottleConfig) (*Throttle, error) {
	if client == nil {
		return nil, oops.Code("THROTTLE_INVALID_CONFIG").Errorf("redis client is required")
	}
	t := &Throttle{
		client:      client,
		prefix:      DefaultKeyPrefix,
		maxAttempts: cfg.MaxAttempts,
		decay:       cfg.Decay,
	}
	if t.maxAttempts <= 0 {
		t.maxAttempts = auth.DefaultMaxAttempts
	}
	if t.decay <= 0 {
		t.decay = auth.DefaultDecay
	}
	return t, nil
}

// TooManyAttempts reports whether key has reached the attempt limit.
func (t *Throttle) TooManyAttempts(ctx context.Context, key string) (bool, error) {
	val, err := t.client.Get(ctx, t.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, oops.Code("THROTTLE_CHECK_FAILED").With("operation", "get counter").Wrap(err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return false, oops.Code("THROTTLE_CHECK_FAILED").With("value", val).Wrap(err)
	}
	return n >= t.maxAttempts, nil
}

// Hit atomically increments the counter for key.
func (t *Throttle) Hit(ctx context.Context, key string) (int, error) {
	n, err := hitScript.Run(ctx, t.client, []string{t.prefix + key}, t.decay.Milliseconds()).Int()
	if err != nil {
		return 0, oops.Code("THROTTLE_HIT_FAILED").With("operation", "increment counter").Wrap(err)
	}
	return n, nil
}

// Clear removes the counter for key.
func (t *Throttle) Clear(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.prefix+key).Err(); err != nil {
		return oops.Code("THROTTLE_CLEAR_FAILED").With("operation", "delete counter").Wrap(err)
	}
	return nil
}

var _ auth.Throttle = (*Throttle)(nil)
