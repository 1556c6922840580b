package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/metrics"
)

type clock struct{ t time.Time }

func newClock() *clock {
	return &clock{t: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func hashed(hash string) *domain.Location {
	l := location("Paris", "France", "1.2.3.4")
	l.OriginHash = hash
	return l
}

func TestUpsertTwiceWithinWindowIncrements(t *testing.T) {
	repo := &memRepo{}
	c := newClock()
	svc := NewVisitService(repo, 0).WithClock(c.now)
	ctx := context.Background()

	if !svc.Upsert(ctx, hashed("abcd")) {
		t.Fatal("first upsert failed")
	}
	c.advance(3 * time.Hour)
	if !svc.Upsert(ctx, hashed("abcd")) {
		t.Fatal("second upsert failed")
	}

	if repo.len() != 1 {
		t.Fatalf("records = %d, want 1", repo.len())
	}
	rec := repo.records[0]
	if rec.VisitCount != 2 {
		t.Errorf("VisitCount = %d, want 2", rec.VisitCount)
	}
	if !rec.VisitedAt.Equal(c.now()) {
		t.Errorf("VisitedAt = %v, want refreshed to %v", rec.VisitedAt, c.now())
	}
}

func TestUpsertAfterWindowCreatesNewRecord(t *testing.T) {
	repo := &memRepo{}
	c := newClock()
	svc := NewVisitService(repo, 24*time.Hour).WithClock(c.now)
	ctx := context.Background()

	svc.Upsert(ctx, hashed("abcd"))
	c.advance(25 * time.Hour)
	svc.Upsert(ctx, hashed("abcd"))

	if repo.len() != 2 {
		t.Fatalf("records = %d, want 2", repo.len())
	}
	for _, r := range repo.records {
		if r.VisitCount != 1 {
			t.Errorf("record %d count = %d, want 1", r.ID, r.VisitCount)
		}
	}
}

func TestUpsertDifferentOriginsAreSeparate(t *testing.T) {
	repo := &memRepo{}
	svc := NewVisitService(repo, 0)
	ctx := context.Background()

	svc.Upsert(ctx, hashed("aaaa"))
	svc.Upsert(ctx, hashed("bbbb"))
	if repo.len() != 2 {
		t.Errorf("records = %d, want 2", repo.len())
	}
}

func TestUpsertWithoutHashWritesNothing(t *testing.T) {
	repo := &memRepo{}
	svc := NewVisitService(repo, 0)
	before := testutil.ToFloat64(metrics.VisitUpserts.WithLabelValues("rejected"))

	if svc.Upsert(context.Background(), location("Paris", "France", "1.2.3.4")) {
		t.Error("expected false for missing origin hash")
	}
	if svc.Upsert(context.Background(), nil) {
		t.Error("expected false for nil location")
	}
	if repo.len() != 0 {
		t.Errorf("records = %d, want 0", repo.len())
	}
	if got := testutil.ToFloat64(metrics.VisitUpserts.WithLabelValues("rejected")) - before; got != 2 {
		t.Errorf("rejected counter delta = %v, want 2", got)
	}
}

func TestUpsertStoreFailures(t *testing.T) {
	tests := []struct {
		name      string
		repo      *memRepo
		seed      bool
		want      bool
		wantCount int
	}{
		{name: "insert fails", repo: &memRepo{insertErr: errStore}, want: false},
		{name: "update fails", repo: &memRepo{updateErr: errStore}, seed: true, want: false, wantCount: 1},
		{name: "lookup fails falls through to insert", repo: &memRepo{findErr: errStore}, seed: true, want: true, wantCount: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.seed {
				tt.repo.records = []domain.VisitRecord{{ID: 1, OriginHash: "abcd", VisitedAt: time.Now(), VisitCount: 1}}
				tt.repo.nextID = 1
			}
			svc := NewVisitService(tt.repo, 0)
			if got := svc.Upsert(context.Background(), hashed("abcd")); got != tt.want {
				t.Errorf("Upsert = %v, want %v", got, tt.want)
			}
			if tt.repo.len() != tt.wantCount {
				t.Errorf("records = %d, want %d", tt.repo.len(), tt.wantCount)
			}
		})
	}
}

func TestUpsertTreatsZeroCountAsOne(t *testing.T) {
	repo := &memRepo{
		records: []domain.VisitRecord{{ID: 1, OriginHash: "abcd", VisitedAt: time.Now(), VisitCount: 0}},
		nextID:  1,
	}
	svc := NewVisitService(repo, 0)
	svc.Upsert(context.Background(), hashed("abcd"))
	if repo.records[0].VisitCount != 2 {
		t.Errorf("VisitCount = %d, want 2", repo.records[0].VisitCount)
	}
}

func TestListSwallowsErrors(t *testing.T) {
	svc := NewVisitService(&memRepo{listErr: errStore}, 0)
	before := testutil.ToFloat64(metrics.VisitListErrors)

	got, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("transport errors must be absorbed, got %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("want empty non-nil slice, got %#v", got)
	}
	if testutil.ToFloat64(metrics.VisitListErrors)-before != 1 {
		t.Error("list error not counted")
	}
}

func TestListReportsMalformedRecords(t *testing.T) {
	bad := fmt.Errorf("%w: visit 2: bad visited_at %q", domain.ErrMalformedRecord, "not-a-time")
	svc := NewVisitService(&memRepo{listErr: bad}, 0)

	got, err := svc.List(context.Background())
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("err = %v, want ErrMalformedRecord", err)
	}
	if len(got) != 0 {
		t.Errorf("records = %+v, want none", got)
	}
}

func TestListNewestFirst(t *testing.T) {
	repo := &memRepo{}
	c := newClock()
	svc := NewVisitService(repo, 0).WithClock(c.now)
	ctx := context.Background()

	svc.Upsert(ctx, hashed("aaaa"))
	c.advance(time.Minute)
	svc.Upsert(ctx, hashed("bbbb"))

	got, _ := svc.List(ctx)
	if len(got) != 2 || got[0].OriginHash != "bbbb" {
		t.Errorf("order = %+v", got)
	}
}
