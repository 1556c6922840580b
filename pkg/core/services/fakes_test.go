package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
)

var errStore = errors.New("store down")

// memRepo is an in-memory ports.VisitRepository.
type memRepo struct {
	mu      sync.Mutex
	records []domain.VisitRecord
	nextID  int64

	findErr   error
	insertErr error
	updateErr error
	listErr   error
}

func (m *memRepo) FindRecentByOrigin(_ context.Context, hash string, since time.Time) (*domain.VisitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var best *domain.VisitRecord
	for i := range m.records {
		r := m.records[i]
		if r.OriginHash == hash && !r.VisitedAt.Before(since) {
			if best == nil || r.VisitedAt.After(best.VisitedAt) {
				best = &r
			}
		}
	}
	return best, nil
}

func (m *memRepo) Insert(_ context.Context, r *domain.VisitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.nextID++
	r.ID = m.nextID
	m.records = append(m.records, *r)
	return nil
}

func (m *memRepo) UpdateVisit(_ context.Context, id int64, at time.Time, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].VisitedAt = at
			m.records[i].VisitCount = count
			return nil
		}
	}
	return errors.New("not found")
}

func (m *memRepo) ListVisits(context.Context) ([]domain.VisitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := append([]domain.VisitRecord(nil), m.records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].VisitedAt.After(out[j].VisitedAt) })
	return out, nil
}

func (m *memRepo) Exists(_ context.Context, hash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.OriginHash == hash && r.VisitedAt.Equal(at) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepo) Ping(context.Context) error { return nil }

func (m *memRepo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// fakeResolver returns canned locations and counts calls.
type fakeResolver struct {
	mu            sync.Mutex
	primary       *domain.Location
	fallback      *domain.Location
	primaryCalls  int
	fallbackCalls int
	// beforeReturn runs inside each call, e.g. to simulate the consumer leaving.
	beforeReturn func()
	panicOn      string
}

func (f *fakeResolver) ResolvePrimary(context.Context, string) *domain.Location {
	f.mu.Lock()
	f.primaryCalls++
	f.mu.Unlock()
	if f.panicOn == "primary" {
		panic("decoder exploded")
	}
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	return clone(f.primary)
}

func (f *fakeResolver) ResolveFallback(context.Context, string) *domain.Location {
	f.mu.Lock()
	f.fallbackCalls++
	f.mu.Unlock()
	return clone(f.fallback)
}

func clone(l *domain.Location) *domain.Location {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// recordingVisits wraps a VisitService and remembers every upserted location.
type recordingVisits struct {
	inner    *VisitService
	mu       sync.Mutex
	upserted []domain.Location
}

func (r *recordingVisits) Upsert(ctx context.Context, loc *domain.Location) bool {
	r.mu.Lock()
	r.upserted = append(r.upserted, *loc)
	r.mu.Unlock()
	return r.inner.Upsert(ctx, loc)
}

func (r *recordingVisits) List(ctx context.Context) ([]domain.VisitRecord, error) {
	return r.inner.List(ctx)
}

func location(city, country, ip string) *domain.Location {
	return &domain.Location{
		City:        city,
		Country:     country,
		CountryCode: "XX",
		Latitude:    10,
		Longitude:   20,
		IP:          ip,
	}
}
