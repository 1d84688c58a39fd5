package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSHandler returns a configured CORS handler for Chi
func CORSHandler(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", HeaderRequestID},
		ExposedHeaders:   []string{"Idempotent-Replayed", "Retry-After", HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	})
}
