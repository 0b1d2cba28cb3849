// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/logging"
	"github.com/holomush/gatekeeper/pkg/errutil"
)

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 64
)

type principalKey struct{}

type principal struct {
	user  *auth.User
	token *auth.SessionToken
}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok && p.user != nil && p.token != nil
}

// requestID propagates a caller supplied X-Request-ID or mints a new one.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = ulid.Make().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err := oops.Code("HTTP_PANIC").With("path", r.URL.Path).Errorf("panic: %v", rec)
			errutil.LogErrorContext(r.Context(), s.logger, slog.LevelError, "request panicked", err)
			s.writeJSON(w, r, http.StatusInternalServerError, messageResponse{Message: auth.MsgInternal})
		}()
		next.ServeHTTP(w, r)
	})
}

// observe logs each request and records it in the HTTP metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
			s.metrics.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"remote", clientIP(r))
	})
}

// requireBearer resolves the Authorization bearer token, checks that it grants
// ability and stores the principal in the request context.
func (s *Server) requireBearer(ability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, ok := bearerToken(r)
			if !ok {
				s.writeError(w, r, auth.ErrUnauthenticated())
				return
			}
			user, token, err := s.svc.Authenticate(r.Context(), bearer)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if !token.Can(ability) {
				s.writeError(w, r, auth.ErrForbidden(ability))
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{user: user, token: token})))
		})
	}
}

// limitLogin caps login requests per client IP. The count returned by Hit
// decides, so concurrent requests cannot all pass a stale check.
func (s *Server) limitLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := s.limiter.Hit(r.Context(), "login|"+clientIP(r))
		if err == nil && n > s.cfg.LoginRatePerMinute {
			w.Header().Set("Retry-After", "60")
			s.writeError(w, r, auth.ErrThrottled())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// clientIP returns the host part of RemoteAddr, which RealIP rewrites when
// proxies are trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
