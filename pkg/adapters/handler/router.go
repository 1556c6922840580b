package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wadjakorntonsri/visitor-map/pkg/config"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/services"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
)

// NewRouter creates and configures the main application router
func NewRouter(cfg *config.Config, tracker *services.Tracker, store ports.VisitRepository) http.Handler {
	mw := NewMiddleware(cfg)
	visits := NewVisitHandler(tracker, mw.ClientIP)
	authHandler := NewAuthHandler(cfg)

	r := chi.NewRouter()
	r.Use(RequestIDWithLogging())
	r.Use(AccessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	// Public Routes
	r.Get("/healthz", healthz(store))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/auth/google/login", authHandler.Login)
	r.Get("/auth/google/callback", authHandler.Callback)
	r.Get("/auth/logout", authHandler.Logout)

	r.Route("/api/v1/visits", func(r chi.Router) {
		track := r.With()
		if cfg.TrackRateLimit > 0 {
			track = r.With(httprate.Limit(cfg.TrackRateLimit, time.Minute,
				httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
					return mw.ClientIP(r), nil
				}),
			))
		}
		track.Post("/track", visits.Track)

		r.Get("/", visits.List)
		r.Get("/stats", visits.Stats)
		r.Get("/clusters", visits.Clusters)
	})

	// Protected Routes
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(mw.AuthMiddleware)
		r.Get("/visits", visits.AdminList)
	})

	return r
}

type healthResponse struct {
	Message string `json:"message"`
	Store   string `json:"store"`
}

// healthz reports liveness. An unreachable store degrades the body but not
// the status: the service still serves tracking without it.
func healthz(store ports.VisitRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		res := healthResponse{Message: "ok", Store: "ok"}
		if err := store.Ping(ctx); err != nil {
			res.Store = "unavailable"
		}
		writeJSON(w, r, http.StatusOK, res)
	}
}
