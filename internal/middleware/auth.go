package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"keygate/internal/infrastructure"
)

// AdminAuth guards the admin API with a bearer token. The configured value
// is a bcrypt hash, so a leaked config file does not leak the credential.
func AdminAuth(tokenHash string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token := bearerToken(r)
			if token == "" || bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
				logger.WarnContext(ctx, "admin auth rejected",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)

				w.Header().Set("Content-Type", "application/problem+json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="keygate-admin"`)
				w.WriteHeader(http.StatusUnauthorized)

				traceID := infrastructure.GetTraceID(ctx)
				response := `{"type":"/errors/unauthorized","title":"Unauthorized","status":401,"detail":"A valid admin token is required for this endpoint.","trace_id":"` + traceID + `"}`
				w.Write([]byte(response))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
