// Package middleware provides HTTP middleware for the Conclave API.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/Strob0t/Conclave/internal/logger"
)

const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
)

// RequestID is HTTP middleware that extracts X-Request-ID from the request
// header or generates a new one. The ID is stored in the context and set
// on the response header. A caller-supplied X-Correlation-ID is carried
// into the context as the decision correlation ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		if cid := r.Header.Get(headerCorrelationID); cid != "" && len(cid) <= 128 {
			ctx = logger.WithCorrelationID(ctx, cid)
			w.Header().Set(headerCorrelationID, cid)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
