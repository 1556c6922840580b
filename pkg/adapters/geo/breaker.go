package geo

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/logging"
	"github.com/wadjakorntonsri/visitor-map/pkg/metrics"
)

// BreakerSettings tunes the per-provider circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit. Zero disables the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings opens after 5 straight failures for one minute.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: time.Minute}
}

// guardedProvider runs a Provider behind a circuit breaker. An open circuit
// answers immediately with gobreaker.ErrOpenState and makes no request.
type guardedProvider struct {
	provider Provider
	cb       *gobreaker.CircuitBreaker[*domain.Location]
}

func newGuardedProvider(p Provider, s BreakerSettings) *guardedProvider {
	name := p.Name()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	threshold := s.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*domain.Location](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// neither the caller going away nor our own request budget
			// says anything about the provider
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrRateLimited)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("provider", name).Str("from", from.String()).Str("to", to.String()).
				Msg("geolocation circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &guardedProvider{provider: p, cb: cb}
}

func (g *guardedProvider) Name() string {
	return g.provider.Name()
}

func (g *guardedProvider) Lookup(ctx context.Context, ip string) (*domain.Location, error) {
	return g.cb.Execute(func() (*domain.Location, error) {
		return g.provider.Lookup(ctx, ip)
	})
}

func (g *guardedProvider) State() gobreaker.State {
	return g.cb.State()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
