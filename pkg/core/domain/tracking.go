package domain

// TrackingState is the lifecycle of one page-load tracking session.
type TrackingState string

const (
	StateIdle        TrackingState = "idle"
	StateResolving   TrackingState = "resolving"
	StatePersisting  TrackingState = "persisting"
	StateAggregating TrackingState = "aggregating"
	StateReady       TrackingState = "ready"
	StateFailed      TrackingState = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s TrackingState) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// TrackingResult is the view the presentation layer renders.
type TrackingResult struct {
	State          TrackingState `json:"state"`
	Records        []VisitRecord `json:"records"`
	Clusters       []CityCluster `json:"clusters"`
	Stats          VisitorStats  `json:"stats"`
	RecentVisitors []VisitRecord `json:"recent_visitors"`
	Loading        bool          `json:"loading"`
	Error          string        `json:"error,omitempty"`
}

// Public returns a copy safe for anonymous clients.
func (r TrackingResult) Public() TrackingResult {
	r.Records = publicRecords(r.Records)
	r.RecentVisitors = publicRecords(r.RecentVisitors)
	return r
}

func publicRecords(in []VisitRecord) []VisitRecord {
	out := make([]VisitRecord, len(in))
	for i, rec := range in {
		out[i] = rec.Public()
	}
	return out
}
