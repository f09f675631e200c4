package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"feedbackhub/internal/metrics"
)

// Store keeps fixed-window request counters. Implementations must be safe for
// concurrent use; a shared backend lets several replicas enforce one limit.
type Store interface {
	// Check reports whether key is still below limit in its current window.
	Check(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	// Increment counts one request for key and returns the new count. The first
	// increment of a window starts its expiry.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter allows Limit requests per Window for each key.
type Limiter struct {
	Store  Store
	Limit  int
	Window time.Duration
	// TrustProxy keys clients by X-Forwarded-For instead of the peer address.
	TrustProxy bool
}

// Allow checks then counts one request for key. Refused requests are not counted.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := l.Store.Check(ctx, key, l.Limit, l.Window)
	if err != nil || !ok {
		return false, err
	}
	if _, err := l.Store.Increment(ctx, key, l.Window); err != nil {
		return false, err
	}
	return true, nil
}

// Middleware refuses requests over the limit with 429 and Retry-After. The key is
// scope plus the client IP. Store errors fail open.
func (l *Limiter) Middleware(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := l.Allow(r.Context(), scope+":"+ClientIP(r, l.TrustProxy))
		if err != nil {
			log.Error().Err(err).Str("scope", scope).Msg("rate limit store unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			metrics.RateLimited.WithLabelValues(scope).Inc()
			secs := int(l.Window.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"type":"about:blank","title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of RemoteAddr. With trustProxy set, the first
// X-Forwarded-For hop wins when present; clients can forge that header, so only
// a proxy that overwrites it makes it safe.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
