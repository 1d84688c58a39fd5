package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/companionchat/chat-api/internal/pkg/logger"
	"github.com/companionchat/chat-api/internal/pkg/metrics"
	"github.com/companionchat/chat-api/internal/pkg/ratelimit"
	"github.com/companionchat/chat-api/internal/pkg/response"
)

// RateLimit limits requests per authenticated user and route. Anonymous
// requests are keyed by client IP. Mount it with chi's With after Auth so
// both the user and the full route pattern are known.
func RateLimit(store *ratelimit.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)

			caller := getClientIP(r)
			if id := GetUserID(r.Context()); id != uuid.Nil {
				caller = id.String()
			}

			if !store.Allow(caller + ":" + route) {
				logger.FromContext(r.Context()).Warn().
					Str("route", route).
					Str("caller", caller).
					Msg("rate limited")
				metrics.RateLimited.WithLabelValues(route).Inc()
				w.Header().Set("Retry-After", "60")
				response.TooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
