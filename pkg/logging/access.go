package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polisai/glyphcloak/pkg/telemetry"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// AccessLog writes one zerolog line per request to the global logger and
// makes sure every request carries a request id.
func AccessLog(next http.Handler) http.Handler {
	return AccessLogTo(&log.Logger, next)
}

// AccessLogTo is AccessLog with an explicit logger.
func AccessLogTo(logger *zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		rw := &telemetry.ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		event := logger.Info()
		if rw.StatusCode >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.StatusCode).
			Int("bytes", rw.Bytes).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
