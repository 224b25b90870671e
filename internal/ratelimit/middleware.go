package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// KeyFunc extracts the rate limit key from a request. Returning empty string
// skips rate limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware enforcing the limiter per key. Every
// response carries X-RateLimit-Limit and X-RateLimit-Remaining; rejected
// requests get 429 with Retry-After. Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := limiter.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if d.Limit >= 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
			}

			if !d.Allowed {
				retryAfter := int(time.Until(d.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": "too many requests",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalKeyFunc identifies the caller: an API key header wins, then a
// bearer token, then the client IP.
func PrincipalKeyFunc(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			return "token:" + token
		}
	}
	return "ip:" + clientIP(r)
}

// clientIP uses RemoteAddr only. X-Forwarded-For is not trusted because any
// client can set it; a trusted reverse proxy should rewrite RemoteAddr.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
