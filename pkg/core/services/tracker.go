package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/iphash"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
	"github.com/wadjakorntonsri/visitor-map/pkg/metrics"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
)

// Tracker runs one tracking Session per page load.
type Tracker struct {
	resolver    ports.LocationResolver
	visits      ports.VisitService
	hasher      *iphash.Hasher
	recentLimit int
}

func NewTracker(resolver ports.LocationResolver, visits ports.VisitService, hasher *iphash.Hasher, recentLimit int) *Tracker {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentVisitors
	}
	return &Tracker{
		resolver:    resolver,
		visits:      visits,
		hasher:      hasher,
		recentLimit: recentLimit,
	}
}

// NewSession returns an idle session.
func (t *Tracker) NewSession() *Session {
	s := &Session{
		tracker: t,
		result:  emptyResult(domain.StateIdle),
	}
	s.alive.Store(true)
	return s
}

// Snapshot reads and aggregates the current records without tracking anyone.
func (t *Tracker) Snapshot(ctx context.Context) (domain.TrackingResult, error) {
	return t.aggregate(ctx)
}

func (t *Tracker) aggregate(ctx context.Context) (domain.TrackingResult, error) {
	records, err := t.visits.List(ctx)
	if err != nil {
		return emptyResult(domain.StateFailed), err
	}
	if err := ValidateRecords(records); err != nil {
		return emptyResult(domain.StateFailed), err
	}
	metrics.VisitRecords.Set(float64(len(records)))

	return domain.TrackingResult{
		State:          domain.StateReady,
		Records:        records,
		Clusters:       SortedClusters(GroupByCity(records)),
		Stats:          ComputeStats(records),
		RecentVisitors: RecentVisitors(records, t.recentLimit),
	}, nil
}

// resolve asks the primary provider, then the fallback only if the primary
// produced nothing. Never both at once, never twice.
func (t *Tracker) resolve(ctx context.Context, ip string) *domain.Location {
	if loc := t.resolver.ResolvePrimary(ctx, ip); loc != nil {
		return loc
	}
	return t.resolver.ResolveFallback(ctx, ip)
}

// Session is the state machine for a single page load:
// idle -> resolving -> persisting -> aggregating -> ready, or failed.
//
// Detach marks the consumer as gone. The workflow keeps running to
// completion so the visit is still recorded, but the exposed state is
// frozen and observers hear nothing further.
type Session struct {
	tracker *Tracker
	alive   atomic.Bool
	started atomic.Bool

	mu       sync.Mutex
	result   domain.TrackingResult
	onChange func(domain.TrackingResult)
}

// OnChange registers fn to receive every exposed state change. fn runs with
// the session lock held and must not call back into the session.
func (s *Session) OnChange(fn func(domain.TrackingResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Detach clears the liveness flag. Once it returns no state change is
// published.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive.Store(false)
}

// Alive reports whether the consumer is still attached.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Snapshot returns a copy of the exposed state.
func (s *Session) Snapshot() domain.TrackingResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Run executes the workflow once. Cancelling ctx detaches the session; the
// in-flight lookups and writes are not aborted. Later calls return the
// current snapshot without doing anything.
func (s *Session) Run(ctx context.Context, visitor domain.Visitor) (result domain.TrackingResult) {
	if !s.started.CompareAndSwap(false, true) {
		return s.Snapshot()
	}

	stop := context.AfterFunc(ctx, s.Detach)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			logging.Ctx(ctx).Error().Interface("panic", r).Msg("tracking session panicked")
			s.fail(fmt.Errorf("unexpected error: %v", r))
		}
		s.recordOutcome()
		result = s.Snapshot()
	}()

	s.execute(context.WithoutCancel(ctx), visitor)
	return s.Snapshot()
}

func (s *Session) execute(ctx context.Context, visitor domain.Visitor) {
	log := logging.Ctx(ctx)

	s.transition(domain.StateResolving)
	loc := s.tracker.resolve(ctx, visitor.IP)

	s.transition(domain.StatePersisting)
	if loc != nil {
		loc.OriginHash = s.tracker.hasher.Hash(visitor.IP)
		loc.UserAgent = visitor.UserAgent
		if !s.tracker.visits.Upsert(ctx, loc) {
			log.Warn().Str("origin_hash", loc.OriginHash).Msg("failed to save visitor location")
		}
	} else {
		log.Info().Msg("no location resolved, skipping visit write")
	}

	s.transition(domain.StateAggregating)
	result, err := s.tracker.aggregate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("aggregation failed")
		s.fail(err)
		return
	}

	s.publish(func(r *domain.TrackingResult) {
		*r = result
		r.Loading = false
	})
}

func (s *Session) transition(state domain.TrackingState) {
	s.publish(func(r *domain.TrackingResult) {
		r.State = state
		r.Loading = !state.Terminal()
	})
}

func (s *Session) fail(err error) {
	msg := err.Error()
	if errors.Is(err, ErrMalformedRecord) {
		msg = "stored visitor data is malformed, please try again later"
	}
	s.publish(func(r *domain.TrackingResult) {
		r.State = domain.StateFailed
		r.Loading = false
		r.Error = msg
	})
}

// publish applies fn to the exposed state if the consumer is still attached
// and the session has not finished.
func (s *Session) publish(fn func(*domain.TrackingResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive.Load() || s.result.State.Terminal() {
		return
	}
	fn(&s.result)
	if s.onChange != nil {
		s.onChange(s.result)
	}
}

func (s *Session) recordOutcome() {
	state := string(s.Snapshot().State)
	if !s.Alive() {
		state = "detached"
	}
	metrics.TrackingSessions.WithLabelValues(state).Inc()
}

func emptyResult(state domain.TrackingState) domain.TrackingResult {
	return domain.TrackingResult{
		State:          state,
		Records:        []domain.VisitRecord{},
		Clusters:       []domain.CityCluster{},
		Stats:          domain.VisitorStats{Countries: []string{}},
		RecentVisitors: []domain.VisitRecord{},
		Loading:        state == domain.StateIdle,
	}
}
