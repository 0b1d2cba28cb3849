// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package store

import (
	"context"
	"testing"
	"time"

	"github.com/holomush/gatekeeper/pkg/errutil"
)

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), ConnectConfig{})
	errutil.AssertErrorCode(t, err, "DB_URL_MISSING")
}

func TestConnect_RejectsMalformedURL(t *testing.T) {
	_, err := Connect(context.Background(), ConnectConfig{URL: "postgres://%zz"})
	errutil.AssertErrorCode(t, err, "DB_CONFIG_INVALID")
}

func TestConnect_GivesUpAfterRetries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Port 1 on loopback refuses immediately.
	_, err := Connect(ctx, ConnectConfig{
		URL:            "postgres://u:p@127.0.0.1:1/db?connect_timeout=1",
		Retries:        1,
		InitialBackoff: time.Millisecond,
	})
	errutil.AssertErrorCode(t, err, "DB_CONNECT_FAILED")
	errutil.AssertErrorContext(t, err, "attempts", 2)
}
