package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

var localOrigins = []string{"http://localhost:3000"}

// CORS allows the storefront origins to call the API with credentials.
// An empty list falls back to the local dev origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = localOrigins
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyHeader, requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, replayHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
