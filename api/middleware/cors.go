package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// The player client runs as a browser extension on the video site.
var defaultCORSOrigins = []string{
	"http://localhost:3000",
	"https://www.youtube.com",
	"chrome-extension://*",
	"moz-extension://*",
}

// CORS returns middleware that applies the API's allowed origin policy. An
// empty list falls back to the defaults.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = defaultCORSOrigins
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader, InstallIDHeader, WalletCredentialHeader, "X-Requested-With"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler
}
