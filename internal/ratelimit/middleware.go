package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Middleware rejects requests over the owner's allowance with 429.
// Requests for which ownerOf returns "" pass through unlimited.
func Middleware(l *Limiter, ownerOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := ownerOf(r)
			if owner == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Limit()))
			if !l.Allow(owner) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"success": false,
					"error":   "rate limit exceeded",
				})
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(l.Remaining(owner)))
			next.ServeHTTP(w, r)
		})
	}
}
