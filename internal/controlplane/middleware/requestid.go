package middleware

import (
	"net/http"

	"fleetplane/internal/logger"

	"github.com/google/uuid"
)

// RequestIDMiddleware assigns every request a correlation ID, honoring an
// X-Request-ID sent by the client. The ID travels in the context for
// logging and is echoed back in the response header.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			ctx := logger.WithRequestID(r.Context(), requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
