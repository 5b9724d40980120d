package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"Lazythumb/internal/api/handlers"
)

// APIKeyHeader is the header checked before the api_key query parameter.
const APIKeyHeader = "X-API-Key"

// RequireAPIKey rejects requests that do not carry the configured key.
// An empty key disables the check.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	expected := []byte(key)
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(APIKeyHeader)
			if provided == "" {
				provided = r.URL.Query().Get("api_key")
			}

			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
				slog.Info("[AUTH] rejected request with missing or invalid API key",
					"path", r.URL.Path,
					"client_ip", handlers.ClientIP(r),
					"key_present", provided != "",
				)
				handlers.WriteError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
