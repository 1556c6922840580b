package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
	"github.com/wadjakorntonsri/visitor-map/pkg/metrics"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
)

// Resolver exposes a primary and a fallback provider. It never returns an
// error: every failure is logged, counted and turned into nil. Which of the
// two to call, and when, is the caller's decision.
type Resolver struct {
	primary  *guardedProvider
	fallback *guardedProvider
	validate *validator.Validate
	now      func() time.Time
}

// NewResolver wraps both providers in their own circuit breaker.
func NewResolver(primary, fallback Provider, breaker BreakerSettings) *Resolver {
	return &Resolver{
		primary:  newGuardedProvider(primary, breaker),
		fallback: newGuardedProvider(fallback, breaker),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

func (r *Resolver) ResolvePrimary(ctx context.Context, ip string) *domain.Location {
	return r.resolve(ctx, r.primary, ip)
}

func (r *Resolver) ResolveFallback(ctx context.Context, ip string) *domain.Location {
	return r.resolve(ctx, r.fallback, ip)
}

func (r *Resolver) resolve(ctx context.Context, p *guardedProvider, ip string) *domain.Location {
	name := p.Name()
	target := LookupTarget(ip)
	if target == "" {
		metrics.GeoLookups.WithLabelValues(name, "skipped").Inc()
		logging.Ctx(ctx).Debug().Str("provider", name).Msg("visitor address is not public, skipping lookup")
		return nil
	}

	start := time.Now()
	loc, err := p.Lookup(ctx, target)
	metrics.GeoLookupDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err == nil {
		err = r.check(loc)
	}
	if err != nil {
		metrics.GeoLookups.WithLabelValues(name, outcome(err)).Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("provider", name).Msg("geolocation lookup failed")
		return nil
	}

	// the provider's echo is not trusted to identify the visitor
	loc.IP = target
	loc.Provider = name
	if loc.VisitedAt.IsZero() {
		loc.VisitedAt = r.now().UTC()
	}

	metrics.GeoLookups.WithLabelValues(name, "success").Inc()
	logging.Ctx(ctx).Debug().Str("provider", name).Str("city", loc.City).Str("country", loc.Country).
		Msg("geolocation resolved")
	return loc
}

func (r *Resolver) check(loc *domain.Location) error {
	if loc == nil {
		return fmt.Errorf("%w: empty location", ErrInvalidResponse)
	}
	if err := r.validate.Struct(loc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrProviderReported):
		return "provider_error"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid"
	default:
		return "transport"
	}
}

var _ ports.LocationResolver = (*Resolver)(nil)
