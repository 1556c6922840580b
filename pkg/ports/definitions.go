package ports

import (
	"context"
	"time"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
)

// VisitRepository defines storage operations for visit records
type VisitRepository interface {
	// FindRecentByOrigin returns the newest record for originHash with
	// visited_at >= since, or nil when there is none.
	FindRecentByOrigin(ctx context.Context, originHash string, since time.Time) (*domain.VisitRecord, error)
	Insert(ctx context.Context, record *domain.VisitRecord) error
	UpdateVisit(ctx context.Context, id int64, visitedAt time.Time, visitCount int64) error
	// ListVisits returns every record ordered by visited_at descending.
	ListVisits(ctx context.Context) ([]domain.VisitRecord, error)
	Exists(ctx context.Context, originHash string, visitedAt time.Time) (bool, error) // For import
	Ping(ctx context.Context) error
}

// LocationResolver maps a visitor IP to a location. Both calls return nil
// on any failure and never return an error.
type LocationResolver interface {
	ResolvePrimary(ctx context.Context, ip string) *domain.Location
	ResolveFallback(ctx context.Context, ip string) *domain.Location
}

// VisitService defines the visit store operations the tracker depends on
type VisitService interface {
	Upsert(ctx context.Context, location *domain.Location) bool
	// List absorbs store failures into an empty slice. The only error it
	// returns wraps domain.ErrMalformedRecord.
	List(ctx context.Context) ([]domain.VisitRecord, error)
}
