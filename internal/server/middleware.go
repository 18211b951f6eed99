package server

import (
	"log/slog"
	"net/http"
	"time"
)

// requestLogger logs each request with method, path, and duration when
// verbose logging is enabled.
func requestLogger(verbose bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !verbose {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			slog.Info("http.request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start).Round(time.Millisecond).String(),
			)
		})
	}
}
