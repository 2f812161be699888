package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/spendwatch/idgen"
	"github.com/hazyhaar/spendwatch/kit"
)

var requestIDs = idgen.NanoID(8)

// RequestID tags each request with an id (reusing a sane inbound
// X-Request-ID), stores it with kit.WithRequestID, echoes it in the response
// and attaches a request-scoped logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = requestIDs()
		}
		ctx := kit.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)

		logger := slog.Default().With(
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = context.WithValue(ctx, LoggerKey, logger)
		logger.Debug("request")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
