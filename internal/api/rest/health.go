package rest

import (
	"context"
	"net/http"
	"time"
)

// HealthChecker reports whether one dependency is reachable
type HealthChecker func(ctx context.Context) error

// RegisterHealthRoutes adds liveness and readiness endpoints. Liveness
// always succeeds while the process is up; readiness runs every checker
// and fails if any dependency is down.
func RegisterHealthRoutes(mux *http.ServeMux, checks map[string]HealthChecker) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
			} else {
				results[name] = "ok"
			}
		}
		writeJSON(w, status, results)
	})
}
