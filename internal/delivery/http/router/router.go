package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/user/download-manager/internal/delivery/http/handler"
	"github.com/user/download-manager/internal/delivery/http/middleware"
	"github.com/user/download-manager/pkg/metrics"
	"go.uber.org/zap"
)

func New(h *handler.Handler, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics(m))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealthCheck)

		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", h.HandleList)
			r.Post("/", h.HandleSchedule)
			r.Post("/clear_completed", h.HandleClearCompleted)
			r.Post("/clear_failed", h.HandleClearFailed)
			r.Get("/{id}", h.HandleGet)
			r.Delete("/{id}", h.HandleDelete)
			r.Post("/{id}/kill", h.HandleKill)
			r.Post("/{id}/renew", h.HandleRenew)
		})

		r.Get("/executors", h.HandleExecutors)

		r.Get("/manager", h.HandleManagerStatus)
		r.Post("/manager/{action}", h.HandleManagerAction)

		r.Get("/skip", h.HandleSkipList)
		r.Post("/skip", h.HandleSkipAdd)
		r.Delete("/skip", h.HandleSkipRemove)
	})

	return r
}
