package services

import (
	"context"
	"errors"
	"time"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
	"github.com/wadjakorntonsri/visitor-map/pkg/metrics"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
)

// DefaultVisitWindow is the trailing interval in which repeat visits from
// the same origin increment one record instead of creating another.
const DefaultVisitWindow = 24 * time.Hour

// VisitService upserts and lists visit records. Neither operation returns an
// error; failures are logged and reported as false or an empty list.
//
// Upsert is a read followed by a write, not one atomic statement. Two loads
// from the same origin arriving together can both miss the lookup and insert
// two records.
type VisitService struct {
	repo   ports.VisitRepository
	window time.Duration
	now    func() time.Time
}

func NewVisitService(repo ports.VisitRepository, window time.Duration) *VisitService {
	if window <= 0 {
		window = DefaultVisitWindow
	}
	return &VisitService{repo: repo, window: window, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (s *VisitService) WithClock(now func() time.Time) *VisitService {
	s.now = now
	return s
}

func (s *VisitService) Upsert(ctx context.Context, location *domain.Location) bool {
	if location == nil || location.OriginHash == "" {
		metrics.VisitUpserts.WithLabelValues("rejected").Inc()
		logging.Ctx(ctx).Warn().Msg("visit rejected: missing origin hash")
		return false
	}

	log := logging.Ctx(ctx).With().Str("origin_hash", location.OriginHash).Logger()
	now := s.now().UTC()

	existing, err := s.repo.FindRecentByOrigin(ctx, location.OriginHash, now.Add(-s.window))
	if err != nil {
		// treated as "no recent visit"; the insert below reports store outages
		log.Warn().Err(err).Msg("recent visit lookup failed")
		existing = nil
	}

	if existing != nil {
		count := existing.EffectiveCount() + 1
		if err := s.repo.UpdateVisit(ctx, existing.ID, now, count); err != nil {
			metrics.VisitUpserts.WithLabelValues("failed").Inc()
			log.Error().Err(err).Int64("id", existing.ID).Msg("failed to update visit")
			return false
		}
		metrics.VisitUpserts.WithLabelValues("incremented").Inc()
		log.Debug().Int64("id", existing.ID).Int64("visit_count", count).Msg("visit incremented")
		return true
	}

	record := &domain.VisitRecord{
		City:        location.City,
		Country:     location.Country,
		CountryCode: location.CountryCode,
		Latitude:    location.Latitude,
		Longitude:   location.Longitude,
		Region:      location.Region,
		Timezone:    location.Timezone,
		OriginHash:  location.OriginHash,
		UserAgent:   location.UserAgent,
		VisitedAt:   now,
		VisitCount:  1,
	}
	if err := s.repo.Insert(ctx, record); err != nil {
		metrics.VisitUpserts.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("failed to insert visit")
		return false
	}

	metrics.VisitUpserts.WithLabelValues("inserted").Inc()
	log.Debug().Int64("id", record.ID).Str("city", record.City).Msg("visit recorded")
	return true
}

// List returns every record, newest first, or an empty slice if the store
// fails. A record the store cannot decode is reported, not hidden.
func (s *VisitService) List(ctx context.Context) ([]domain.VisitRecord, error) {
	records, err := s.repo.ListVisits(ctx)
	if err != nil {
		metrics.VisitListErrors.Inc()
		logging.Ctx(ctx).Error().Err(err).Msg("failed to list visits")
		if errors.Is(err, ErrMalformedRecord) {
			return nil, err
		}
		return []domain.VisitRecord{}, nil
	}
	if records == nil {
		return []domain.VisitRecord{}, nil
	}
	return records, nil
}

var _ ports.VisitService = (*VisitService)(nil)
