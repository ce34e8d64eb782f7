package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
)

// Middleware enforces the registry budget of each route. The endpoint is the
// request path, so it must be mounted on routes with static paths. Callers are
// told apart by their address; forwarding headers count only from trusted.
func Middleware(registry *Registry, trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := registry.Check(r.Context(), trusted.Identifier(r), r.URL.Path)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed {
				retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
				slog.Warn("Rate limit exceeded", "path", r.URL.Path, "retry_after", retryAfter)

				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"ok":    false,
					"error": "Too many requests",
					"limit": res.Limit,
					"reset": res.ResetAt.Unix(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
