// Package middleware holds HTTP middleware shared by the API server
package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/genbatch/pkg/logging"
)

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request. Health and metrics checks are
// logged at debug level.
func RequestLogger(logger *logging.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			switch {
			case r.URL.Path == "/health" || r.URL.Path == "/metrics":
				logger.Debug("HTTP request", fields)
			case rec.status >= http.StatusInternalServerError:
				logger.Error("HTTP request", fields)
			default:
				logger.Info("HTTP request", fields)
			}
		})
	}
}
