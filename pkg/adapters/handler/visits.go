package handler

import (
	"net/http"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/services"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
)

type VisitHandler struct {
	tracker  *services.Tracker
	clientIP func(*http.Request) string
}

func NewVisitHandler(tracker *services.Tracker, clientIP func(*http.Request) string) *VisitHandler {
	return &VisitHandler{tracker: tracker, clientIP: clientIP}
}

// Track records the caller's visit and returns the refreshed aggregates.
// POST /api/v1/visits/track
func (h *VisitHandler) Track(w http.ResponseWriter, r *http.Request) {
	session := h.tracker.NewSession()
	result := session.Run(r.Context(), domain.Visitor{
		IP:        h.clientIP(r),
		UserAgent: r.UserAgent(),
	})

	if !session.Alive() {
		// client went away; nothing to render
		logging.Ctx(r.Context()).Debug().Str("state", string(result.State)).Msg("tracking session detached")
		return
	}

	status := http.StatusOK
	if result.State == domain.StateFailed {
		status = http.StatusInternalServerError
	}
	writeJSON(w, r, status, result.Public())
}

// List returns records, clusters, stats and recent visitors without tracking.
// GET /api/v1/visits
func (h *VisitHandler) List(w http.ResponseWriter, r *http.Request) {
	result, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, result.Public())
}

// GET /api/v1/visits/stats
func (h *VisitHandler) Stats(w http.ResponseWriter, r *http.Request) {
	result, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, result.Stats)
}

// GET /api/v1/visits/clusters
func (h *VisitHandler) Clusters(w http.ResponseWriter, r *http.Request) {
	result, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, result.Clusters)
}

// AdminList returns the full records, user agents and origin hashes included.
// GET /api/v1/admin/visits
func (h *VisitHandler) AdminList(w http.ResponseWriter, r *http.Request) {
	result, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	logging.Ctx(r.Context()).Info().Str("owner", UserEmailFromContext(r.Context())).
		Int("records", len(result.Records)).Msg("admin visit export")
	writeJSON(w, r, http.StatusOK, result)
}

func (h *VisitHandler) snapshot(w http.ResponseWriter, r *http.Request) (domain.TrackingResult, bool) {
	result, err := h.tracker.Snapshot(r.Context())
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("failed to aggregate visits")
		writeError(w, r, http.StatusInternalServerError, "stored visitor data is malformed")
		return result, false
	}
	return result, true
}
