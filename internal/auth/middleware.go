package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/autobotela-sys/saas-copy-trading/internal/metrics"
	"github.com/autobotela-sys/saas-copy-trading/internal/ratelimit"
)

type ctxKey int

const claimsKey ctxKey = 1

// ClaimsFromContext returns the verified caller set by Middleware.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey).(Claims)
	return c, ok
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// Middleware requires a valid bearer token. Failed verifications are
// counted per client IP in limiter; a locked-out IP gets 429 until its
// window expires. A nil limiter disables lockout.
func Middleware(j JWT, limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return authenticate(j, limiter, func(r *http.Request) string {
		return bearerToken(r.Header.Get("Authorization"))
	})
}

// WebSocketMiddleware is Middleware for upgrade routes. Browsers cannot set
// headers on a WebSocket handshake, so the token may also be passed as the
// "token" query parameter. The header wins when both are present.
func WebSocketMiddleware(j JWT, limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return authenticate(j, limiter, func(r *http.Request) string {
		if tok := bearerToken(r.Header.Get("Authorization")); tok != "" {
			return tok
		}
		return strings.TrimSpace(r.URL.Query().Get("token"))
	})
}

func authenticate(j JWT, limiter ratelimit.Limiter, extract func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := "ip:" + clientIP(r)

			if limiter != nil {
				allowed, err := limiter.Allowed(ctx, key)
				if err != nil {
					slog.Warn("rate limit check failed", "key", key, "err", err)
				} else if !allowed {
					writeError(w, "too many failed attempts", http.StatusTooManyRequests)
					return
				}
			}

			tok := extract(r)
			if tok == "" {
				fail(ctx, limiter, key)
				writeError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := j.Verify(tok)
			if err != nil {
				fail(ctx, limiter, key)
				writeError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if limiter != nil {
				if err := limiter.Clear(ctx, key); err != nil {
					slog.Warn("rate limit clear failed", "key", key, "err", err)
				}
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
		})
	}
}

// RequireAdmin rejects callers without the admin role. It must run after
// Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeError(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		if !claims.IsAdmin() {
			writeError(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func fail(ctx context.Context, limiter ratelimit.Limiter, key string) {
	if limiter == nil {
		return
	}
	if _, err := limiter.Record(ctx, key); err != nil {
		slog.Warn("rate limit record failed", "key", key, "err", err)
		return
	}
	if allowed, err := limiter.Allowed(ctx, key); err == nil && !allowed {
		metrics.AuthLockouts.Inc()
		slog.Warn("client locked out", "key", key)
	}
}

func bearerToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
