package handler

import (
	"net/http"

	"github.com/wadjakorntonsri/visitor-map/pkg/app"
	"github.com/wadjakorntonsri/visitor-map/pkg/config"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
)

var mux http.Handler

func init() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	// Note: On Vercel, a local sqlite file is ephemeral; use a libsql:// DATABASE_URL
	mux = app.New(cfg).Handler
}

// Handler is the entrypoint for Vercel
func Handler(w http.ResponseWriter, r *http.Request) {
	mux.ServeHTTP(w, r)
}
