package domain

import (
	"errors"
	"time"
)

// ErrMalformedRecord marks a stored record that cannot be decoded or counted.
var ErrMalformedRecord = errors.New("malformed visit record")

// Sentinels used when a provider omits a field.
const (
	UnknownCity        = "Unknown"
	UnknownCountry     = "Unknown"
	UnknownCountryCode = "XX"
)

// Location is what a geolocation provider resolved for one visitor.
// IP is the raw address and must never be persisted; OriginHash replaces it.
type Location struct {
	City        string    `json:"city"`
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code"`
	Latitude    float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Region      string    `json:"region,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	IP          string    `json:"-" validate:"omitempty,ip"`
	OriginHash  string    `json:"origin_hash,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	VisitedAt   time.Time `json:"visited_at"`
	Provider    string    `json:"provider,omitempty"`
}

// VisitRecord is one row per (origin hash, window) visit.
type VisitRecord struct {
	ID          int64     `json:"id"`
	City        string    `json:"city"`
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Region      string    `json:"region,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	OriginHash  string    `json:"origin_hash"`
	UserAgent   string    `json:"user_agent,omitempty"`
	VisitedAt   time.Time `json:"visited_at"`
	VisitCount  int64     `json:"visit_count"`
}

// Public strips the diagnostic fields before a record leaves the owner API.
func (r VisitRecord) Public() VisitRecord {
	r.OriginHash = ""
	r.UserAgent = ""
	return r
}

// EffectiveCount treats a missing (zero) count as a single visit.
func (r VisitRecord) EffectiveCount() int64 {
	if r.VisitCount == 0 {
		return 1
	}
	return r.VisitCount
}

// ClusterKey groups records for map markers.
type ClusterKey struct {
	City    string
	Country string
}

// CityCluster is a derived map marker: records sharing city and country.
// Coordinates and region come from the first record seen for the key.
type CityCluster struct {
	City        string  `json:"city"`
	Country     string  `json:"country"`
	CountryCode string  `json:"country_code"`
	Region      string  `json:"region,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Count       int64   `json:"count"`
}

// VisitorStats is recomputed from the full record set on every query.
type VisitorStats struct {
	TotalVisits     int64    `json:"total_visits"`
	UniqueLocations int      `json:"unique_locations"`
	Countries       []string `json:"countries"`
}

// Visitor is what the HTTP layer knows about the caller of one page load.
type Visitor struct {
	IP        string
	UserAgent string
}
