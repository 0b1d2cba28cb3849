// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
)

// EventKind identifies an account event delivered to a Notifier.
type EventKind string

// Account events.
const (
	EventResetRequested EventKind = "password_reset_requested"
	EventPasswordReset  EventKind = "password_reset"
)

// Event is an account event. Token and ExpiresAt are set only for
// EventResetRequested.
type Event struct {
	Kind      EventKind
	Token     string
	ExpiresAt time.Time
}

// Notifier delivers account events to a user, typically by email. Delivery
// itself lives outside this package.
type Notifier interface {
	Send(ctx context.Context, user *User, event Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, user *User, event Event) error

// Send calls f.
func (f NotifierFunc) Send(ctx context.Context, user *User, event Event) error {
	return f(ctx, user, event)
}

// LogNotifier records events in the log instead of delivering them. The
// token itself is never logged.
type LogNotifier struct {
	Logger *slog.Logger
}

// Send logs the event.
func (n LogNotifier) Send(ctx context.Context, user *User, event Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "account notification",
		"event", string(event.Kind),
		"user_id", user.ID.String())
	return nil
}

// Async notifier defaults.
const (
	DefaultNotifyQueueSize = 256
	DefaultNotifyTimeout   = 30 * time.Second
)

// AsyncNotifierConfig configures an AsyncNotifier.
type AsyncNotifierConfig struct {
	// QueueSize bounds pending events. Defaults to DefaultNotifyQueueSize.
	QueueSize int
	// Timeout bounds each delivery. Defaults to DefaultNotifyTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

type notification struct {
	user  *User
	event Event
}

// AsyncNotifier queues events for a background worker, so delivery time
// does not show in the latency of the request that raised the event.
// Send fails only when the queue is full or the notifier is closed.
type AsyncNotifier struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger
	queue   chan notification

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewAsyncNotifier starts a worker delivering to next. Call Close to drain
// the queue and stop the worker.
func NewAsyncNotifier(next Notifier, cfg AsyncNotifierConfig) *AsyncNotifier {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultNotifyQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &AsyncNotifier{
		next:    next,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan notification, size),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// Send enqueues the event without waiting for delivery.
func (n *AsyncNotifier) Send(_ context.Context, user *User, event Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return oops.Code("NOTIFIER_CLOSED").With("event", string(event.Kind)).Errorf("notifier is closed")
	}
	select {
	case n.queue <- notification{user: user, event: event}:
		return nil
	default:
		return oops.Code("NOTIFIER_QUEUE_FULL").With("event", string(event.Kind)).Errorf("notification queue is full")
	}
}

// Close stops accepting events and blocks until queued ones are delivered.
// Safe to call more than once.
func (n *AsyncNotifier) Close() {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()
	})
	n.wg.Wait()
}

func (n *AsyncNotifier) run() {
	defer n.wg.Done()
	for item := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		if err := n.next.Send(ctx, item.user, item.event); err != nil {
			n.logger.WarnContext(ctx, "notification delivery failed",
				"event", string(item.event.Kind),
				"user_id", item.user.ID.String(),
				"error", err.Error())
		}
		cancel()
	}
}
