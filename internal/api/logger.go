package api

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// accessLog logs one line per request, at warn for 4xx and error for 5xx.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			ip = fwd
		}

		requestLogger := log.With().
			Int("status", rec.status).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", ip).
			Str("latency", time.Since(start).String()).
			Str("user-agent", r.UserAgent()).
			Logger()

		switch {
		case rec.status >= http.StatusBadRequest && rec.status < http.StatusInternalServerError:
			requestLogger.Warn().Msg("HTTP Request")
		case rec.status >= http.StatusInternalServerError:
			requestLogger.Error().Msg("HTTP Request")
		default:
			requestLogger.Info().Msg("HTTP Request")
		}
	})
}
