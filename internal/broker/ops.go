package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/adred-codev/ipcd/internal/monitoring"
)

// NewOpsServer builds the operational HTTP listener. It is a sidecar to the
// wire protocol, never part of it: Prometheus scrapes /metrics, process
// supervisors poll /healthz, humans curl /statusz.
//
// Routes:
//   - GET /metrics  - Prometheus scrape endpoint
//   - GET /healthz  - liveness check
//   - GET /statusz  - broker statistics snapshot
func NewOpsServer(addr string, b *Broker, logger zerolog.Logger) *http.Server {
	opsLog := logger.With().Str("component", "ops").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(opsRequestLogger(opsLog))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/metrics", monitoring.MetricsHandler().ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/statusz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(b.Snapshot()); err != nil {
			opsLog.Error().Err(err).Msg("Failed to encode status snapshot")
		}
	})

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// opsRequestLogger logs completed ops requests at debug; the scrape loop
// would drown info level.
func opsRequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("Ops request completed")
		})
	}
}
