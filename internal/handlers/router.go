package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/ris-dicom-archive/internal/config"
	"github.com/otcheredev/ris-dicom-archive/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires the handlers into the HTTP surface
func Router(cfg *config.Config, health *HealthHandler, studies *StudyHandler, store *StoreHandler, workItems *WorkItemHandler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// STOW-RS (Store)
	r.Route("/dicom-web", func(r chi.Router) {
		r.Use(middleware.Partition(cfg.Archive))
		r.Post("/studies", store.StoreInstances)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/studies/{studyUID}", func(r chi.Router) {
			r.Post("/edit", studies.ScheduleEdit)
			r.Delete("/", studies.DeleteStudy)
			r.Delete("/series/{seriesUID}", studies.DeleteSeries)
			r.Post("/series/delete", studies.DeleteSeries)
			r.Post("/instances/delete", studies.DeleteInstances)
		})

		r.Post("/reindex", studies.ScheduleReindex)

		r.Get("/work-items", workItems.ListWorkItems)
		r.Get("/work-items/{id}", workItems.GetWorkItem)
		r.Post("/work-items/{id}/cancel", workItems.CancelWorkItem)
	})

	return r
}
