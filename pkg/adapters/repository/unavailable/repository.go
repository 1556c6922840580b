// Package unavailable is the store used when no database is configured or
// the configured one cannot be opened. Every call fails, so writes are
// reported as not persisted and reads come back empty.
package unavailable

import (
	"context"
	"errors"
	"time"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
)

var ErrStoreUnavailable = errors.New("visit store unavailable")

type Repository struct {
	reason error
}

// New returns a store that fails every call with ErrStoreUnavailable,
// wrapping reason when given.
func New(reason error) *Repository {
	return &Repository{reason: reason}
}

func (r *Repository) err() error {
	if r.reason == nil {
		return ErrStoreUnavailable
	}
	return errors.Join(ErrStoreUnavailable, r.reason)
}

func (r *Repository) FindRecentByOrigin(context.Context, string, time.Time) (*domain.VisitRecord, error) {
	return nil, r.err()
}

func (r *Repository) Insert(context.Context, *domain.VisitRecord) error {
	return r.err()
}

func (r *Repository) UpdateVisit(context.Context, int64, time.Time, int64) error {
	return r.err()
}

func (r *Repository) ListVisits(context.Context) ([]domain.VisitRecord, error) {
	return nil, r.err()
}

func (r *Repository) Exists(context.Context, string, time.Time) (bool, error) {
	return false, r.err()
}

func (r *Repository) Ping(context.Context) error {
	return r.err()
}

var _ ports.VisitRepository = (*Repository)(nil)
