package httpapi

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/BrandonDHaskell/Portunus/validator/internal/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)

		// The mux fills in the matched pattern; label by it to keep
		// serials out of the metric.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		observability.RecordHTTPRequest(r.Method, route, rec.status, dur)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("from", r.RemoteAddr).
			Int("status", rec.status).
			Dur("dur", dur).
			Msg("http request")
	})
}
