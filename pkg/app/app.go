// Package app wires configuration, store, geolocation and HTTP routing into
// one handler. Shared by the long-running server and the serverless entry.
package app

import (
	"net/http"

	"github.com/wadjakorntonsri/visitor-map/pkg/adapters/geo"
	"github.com/wadjakorntonsri/visitor-map/pkg/adapters/handler"
	"github.com/wadjakorntonsri/visitor-map/pkg/adapters/repository/sqlite"
	"github.com/wadjakorntonsri/visitor-map/pkg/adapters/repository/unavailable"
	"github.com/wadjakorntonsri/visitor-map/pkg/config"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/iphash"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/services"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
)

type App struct {
	Config  *config.Config
	Store   ports.VisitRepository
	Tracker *services.Tracker
	Handler http.Handler

	close func() error
}

// New never fails on store problems: a missing or unreachable database
// turns into an unavailable store and only store calls fail.
func New(cfg *config.Config) *App {
	store, closeStore := OpenStore(cfg)

	resolver := geo.NewResolver(
		geo.NewIPAPICoProvider(cfg.GeoPrimaryURL, cfg.GeoTimeout),
		geo.NewIPAPIComProvider(cfg.GeoFallbackURL, cfg.GeoTimeout),
		geo.BreakerSettings{
			ConsecutiveFailures: cfg.GeoBreakerFailures,
			OpenTimeout:         cfg.GeoBreakerTimeout,
		},
	)
	visits := services.NewVisitService(store, cfg.VisitWindow)
	tracker := services.NewTracker(resolver, visits, iphash.New(cfg.IPHashSalt), cfg.RecentVisitors)

	return &App{
		Config:  cfg,
		Store:   store,
		Tracker: tracker,
		Handler: handler.NewRouter(cfg, tracker, store),
		close:   closeStore,
	}
}

func (a *App) Close() error {
	return a.close()
}

// OpenStore returns the configured repository, or an unavailable one.
func OpenStore(cfg *config.Config) (ports.VisitRepository, func() error) {
	noop := func() error { return nil }

	if err := cfg.StoreCredentials(); err != nil {
		logging.Warn().Err(err).Msg("visit store disabled")
		return unavailable.New(err), noop
	}

	repo, err := sqlite.NewSQLiteRepository(cfg.DatabaseURL, cfg.DatabaseAuthToken)
	if err != nil {
		logging.Error().Err(err).Msg("failed to open visit store")
		return unavailable.New(err), noop
	}
	return repo, repo.Close
}
