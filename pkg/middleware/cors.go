package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows the operator dashboard origins (ALLOWED_ORIGINS) to call the
// REST API and open the monitor socket with a bearer token. Twilio webhooks
// are server-to-server and never carry an Origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	return c.Handler
}
