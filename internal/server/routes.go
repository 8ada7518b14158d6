package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(corsMiddleware)
			r.Post("/decisions", s.handleDecision)
			r.Post("/events", s.handleEvent)
			r.Options("/decisions", http.NotFound)
			r.Options("/events", http.NotFound)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/items", s.handleListItems)
			r.Post("/items", s.handleCreateItem)
			r.Get("/items/{itemID}/variants", s.handleListVariants)
			r.Post("/items/{itemID}/variants", s.handleCreateVariant)

			r.Get("/experiments", s.handleListExperiments)
			r.Post("/experiments", s.handleCreateExperiment)
			r.Get("/experiments/{experimentID}", s.handleGetExperiment)
			r.Post("/experiments/{experimentID}/arms", s.handleAddArm)
			r.Post("/experiments/{experimentID}/transition", s.handleTransition)
			r.Get("/experiments/{experimentID}/results", s.handleResults)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}
