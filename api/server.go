/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One logrus entry per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from browser-based terminals

ROUTE GROUPS:
  /testconnection/{device}  Liveness check used by terminals
  /transmit/*               Idempotent event submission
  /sync/*                   Read-only catalog lists

SECURITY NOTE:
  No authentication middleware. Terminals reach the server over the
  store's private network.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/idempotency"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", h.Idempotency.Header},
		ExposedHeaders: []string{idempotency.ReplayHeader},
	}))

	r.Get("/testconnection/{device}", h.TestConnection)

	r.Route("/transmit", func(r chi.Router) {
		r.Post("/consumption", h.Idempotency.Wrap("/transmit/consumption", h.TransmitConsumption()))
		r.Post("/production", h.Idempotency.Wrap("/transmit/production", h.TransmitProduction()))
		r.Post("/exchange", h.Idempotency.Wrap("/transmit/exchange", h.TransmitExchange()))
		r.Post("/count", h.Idempotency.Wrap("/transmit/count", h.TransmitCount()))
		r.Post("/rupture", h.Idempotency.Wrap("/transmit/rupture", h.TransmitRupture()))
	})

	r.Route("/sync", func(r chi.Router) {
		r.Get("/stores", h.SyncStores)
		r.Get("/consumption-types", h.SyncConsumptionTypes)
		r.Get("/exchange-reasons", h.SyncExchangeReasons)
		r.Get("/recipes", h.SyncRecipes)
		r.Get("/counts", h.SyncCounts)
	})

	return r
}

// requestLogger writes one structured entry per request.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := logger.WithFields(logrus.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"request_id":  middleware.GetReqID(r.Context()),
					"remote_addr": r.RemoteAddr,
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request completed")
					return
				}
				entry.Info("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
