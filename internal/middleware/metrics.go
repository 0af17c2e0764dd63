package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPObserver records one finished request.
type HTTPObserver interface {
	ObserveHTTP(method, route, status string, d time.Duration)
}

// Metrics observes request latency labelled by chi route pattern, so
// /accounts/{accountID}/claim stays one series regardless of account.
func Metrics(obs HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			obs.ObserveHTTP(r.Method, route, strconv.Itoa(rw.status), time.Since(start))
		})
	}
}
