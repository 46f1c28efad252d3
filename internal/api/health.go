package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is anything with a bounded liveness check (pgxpool.Pool, the Redis
// cache backend).
type Pinger interface {
	Ping(ctx context.Context) error
}

// healthz is a liveness probe: the process is up and serving.
func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz is a readiness probe: Postgres must answer; Redis is checked but
// never fails readiness, because the gateway degrades to cache-less
// operation rather than shedding traffic.
func readyz(pool, redis Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok", "postgres": "ok"}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":   "degraded",
					"postgres": "unreachable",
				})
				return
			}
		}

		if redis != nil {
			if err := redis.Ping(ctx); err != nil {
				status["redis"] = "unreachable"
			} else {
				status["redis"] = "ok"
			}
		}

		writeJSON(w, http.StatusOK, status)
	}
}
