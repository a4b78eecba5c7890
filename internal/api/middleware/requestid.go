package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/pysugar/gmb-autopost/internal/logging"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// GetOrGenerateRequestID returns the client's X-Request-ID, or "admin-{uuid}"
// when none was sent.
func GetOrGenerateRequestID(r *http.Request) string {
	if requestID := r.Header.Get(RequestIDHeader); requestID != "" {
		return requestID
	}
	return "admin-" + uuid.New().String()
}

// RequestID stores the request ID in the context and echoes it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := GetOrGenerateRequestID(r)
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), requestID)))
	})
}
