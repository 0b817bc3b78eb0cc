// Package httpserver assembles the REST and SSE surface of the service.
package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"hark/internal/http/handlers"
	"hark/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         zerolog.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		MaxAge:         600,
	}))
	r.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst))
	r.Use(middleware.Auth(deps.AuthToken))

	r.Get("/healthz", deps.API.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/uploads", deps.API.CreateUpload)
		r.Get("/uploads", deps.API.ListUploads)
		r.Get("/uploads/{id}", deps.API.GetUpload)
		r.Delete("/uploads/{id}", deps.API.DeleteUpload)

		r.Get("/jobs/{id}", deps.API.GetJob)
		r.Get("/queue/status", deps.API.QueueStatus)
		r.Get("/events", deps.API.Events)
	})

	return r
}
