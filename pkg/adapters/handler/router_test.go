package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/wadjakorntonsri/visitor-map/pkg/adapters/geo"
	"github.com/wadjakorntonsri/visitor-map/pkg/adapters/repository/sqlite"
	"github.com/wadjakorntonsri/visitor-map/pkg/adapters/repository/unavailable"
	"github.com/wadjakorntonsri/visitor-map/pkg/config"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/iphash"
	"github.com/wadjakorntonsri/visitor-map/pkg/core/services"
	"github.com/wadjakorntonsri/visitor-map/pkg/ports"
)

type stubResolver struct {
	mu  sync.Mutex
	ips []string
	loc *domain.Location
}

func (s *stubResolver) ResolvePrimary(_ context.Context, ip string) *domain.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ips = append(s.ips, ip)
	if s.loc == nil {
		return nil
	}
	loc := *s.loc
	if loc.IP == "" {
		loc.IP = ip
	}
	return &loc
}

func (s *stubResolver) ResolveFallback(context.Context, string) *domain.Location { return nil }

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:      "router-secret",
		CORSOrigins:    []string{"https://portfolio.example"},
		TrackRateLimit: 30,
		TrustProxy:     true,
		FrontendURL:    "http://localhost:8080",
	}
}

func newTestServer(t *testing.T, cfg *config.Config, resolver ports.LocationResolver) (*httptest.Server, *sqlite.SQLiteRepository) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	repo, err := sqlite.NewSQLiteRepository("file:"+name+"?mode=memory&cache=shared", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { repo.Close() })

	tracker := services.NewTracker(resolver, services.NewVisitService(repo, 0), iphash.New(""), 0)
	srv := httptest.NewServer(NewRouter(cfg, tracker, repo))
	t.Cleanup(srv.Close)
	return srv, repo
}

func paris() *domain.Location {
	return &domain.Location{City: "Paris", Country: "France", CountryCode: "FR", Latitude: 48.85, Longitude: 2.35}
}

func track(t *testing.T, srv *httptest.Server, ip string) (*http.Response, domain.TrackingResult) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/visits/track", nil)
	req.Header.Set("X-Forwarded-For", ip)
	req.Header.Set("User-Agent", "router-test")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var result domain.TrackingResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, result
}

func TestTrackEndpoint(t *testing.T) {
	resolver := &stubResolver{loc: paris()}
	srv, _ := newTestServer(t, testConfig(), resolver)

	resp, result := track(t, srv, "198.51.100.4")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if result.State != domain.StateReady || result.Loading {
		t.Errorf("result = %+v", result)
	}
	if len(result.Records) != 1 || result.Stats.TotalVisits != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Records[0].OriginHash != "" || result.Records[0].UserAgent != "" {
		t.Error("public response leaked origin hash or user agent")
	}
	if resolver.ips[0] != "198.51.100.4" {
		t.Errorf("resolver got ip %q", resolver.ips[0])
	}

	_, result = track(t, srv, "198.51.100.4")
	if len(result.Records) != 1 || result.Records[0].VisitCount != 2 || result.Stats.TotalVisits != 2 {
		t.Errorf("repeat visit should increment: %+v", result)
	}
}

func TestTrackWithoutLocationStillReady(t *testing.T) {
	srv, repo := newTestServer(t, testConfig(), &stubResolver{})

	resp, result := track(t, srv, "198.51.100.4")
	if resp.StatusCode != http.StatusOK || result.State != domain.StateReady {
		t.Fatalf("status=%d result=%+v", resp.StatusCode, result)
	}
	records, _ := repo.ListVisits(context.Background())
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

func TestTrackPrivateAddressesAreNotMerged(t *testing.T) {
	var hits atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"ip":"34.0.0.1","city":"Ashburn","region":"Virginia","country":"US","country_name":"United States","country_code":"US","latitude":39.04,"longitude":-77.49,"timezone":"America/New_York"}`))
	}))
	defer provider.Close()

	resolver := geo.NewResolver(
		geo.NewIPAPICoProvider(provider.URL, time.Second),
		geo.NewIPAPIComProvider(provider.URL, time.Second),
		geo.DefaultBreakerSettings(),
	)
	srv, repo := newTestServer(t, testConfig(), resolver)

	for _, ip := range []string{"10.0.0.5", "192.168.1.7"} {
		resp, result := track(t, srv, ip)
		if resp.StatusCode != http.StatusOK || result.State != domain.StateReady {
			t.Fatalf("%s: status=%d result=%+v", ip, resp.StatusCode, result)
		}
	}
	if hits.Load() != 0 {
		t.Errorf("provider called %d times for private addresses", hits.Load())
	}
	records, _ := repo.ListVisits(context.Background())
	if len(records) != 0 {
		t.Fatalf("records = %+v, want none", records)
	}

	track(t, srv, "198.51.100.4")
	records, _ = repo.ListVisits(context.Background())
	if len(records) != 1 || records[0].City != "Ashburn" {
		t.Fatalf("records = %+v", records)
	}
	if records[0].OriginHash != iphash.Hash("198.51.100.4") {
		t.Errorf("OriginHash = %q, want hash of the visitor address", records[0].OriginHash)
	}
}

func TestTrackMalformedStoredRowFails(t *testing.T) {
	srv, repo := newTestServer(t, testConfig(), &stubResolver{})
	ctx := context.Background()

	healthy := domain.VisitRecord{City: "Paris", Country: "France", CountryCode: "FR", OriginHash: "aaaa", VisitCount: 3, VisitedAt: time.Now()}
	if err := repo.Insert(ctx, &healthy); err != nil {
		t.Fatal(err)
	}
	raw, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.ExecContext(ctx, `INSERT INTO visitor_locations
		(city, country, country_code, ip_hash, visited_at, visit_count)
		VALUES ('Oslo', 'Norway', 'NO', 'bbbb', 'not-a-time', 1)`); err != nil {
		t.Fatal(err)
	}

	resp, result := track(t, srv, "198.51.100.4")
	if resp.StatusCode != http.StatusInternalServerError || result.State != domain.StateFailed {
		t.Fatalf("status=%d result=%+v", resp.StatusCode, result)
	}
	if result.Error == "" || len(result.Records) != 0 {
		t.Errorf("result = %+v", result)
	}

	stats, err := http.Get(srv.URL + "/api/v1/visits/stats")
	if err != nil {
		t.Fatal(err)
	}
	stats.Body.Close()
	if stats.StatusCode != http.StatusInternalServerError {
		t.Errorf("stats status = %d, want 500", stats.StatusCode)
	}
}

func TestTrackRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.TrackRateLimit = 2
	srv, _ := newTestServer(t, cfg, &stubResolver{loc: paris()})

	var last int
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/visits/track", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.77")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}

func TestReadEndpoints(t *testing.T) {
	srv, repo := newTestServer(t, testConfig(), &stubResolver{})
	ctx := context.Background()
	now := time.Now()
	for i, r := range []domain.VisitRecord{
		{City: "Paris", Country: "France", CountryCode: "FR", OriginHash: "aaaa", UserAgent: "ua", VisitCount: 2, VisitedAt: now},
		{City: "Paris", Country: "France", CountryCode: "FR", OriginHash: "bbbb", VisitCount: 1, VisitedAt: now.Add(-time.Hour)},
		{City: "Austin", Country: "United States", CountryCode: "US", OriginHash: "cccc", VisitCount: 1, VisitedAt: now.Add(-2 * time.Hour)},
	} {
		rec := r
		if err := repo.Insert(ctx, &rec); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	t.Run("stats", func(t *testing.T) {
		var stats domain.VisitorStats
		getJSON(t, srv.URL+"/api/v1/visits/stats", &stats)
		if stats.TotalVisits != 4 || stats.UniqueLocations != 3 || len(stats.Countries) != 2 {
			t.Errorf("stats = %+v", stats)
		}
	})

	t.Run("clusters", func(t *testing.T) {
		var clusters []domain.CityCluster
		getJSON(t, srv.URL+"/api/v1/visits/clusters", &clusters)
		if len(clusters) != 2 || clusters[0].City != "Paris" || clusters[0].Count != 3 {
			t.Errorf("clusters = %+v", clusters)
		}
	})

	t.Run("list", func(t *testing.T) {
		var result domain.TrackingResult
		getJSON(t, srv.URL+"/api/v1/visits", &result)
		if len(result.Records) != 3 || len(result.RecentVisitors) != 3 {
			t.Errorf("result = %+v", result)
		}
		if result.Records[0].UserAgent != "" {
			t.Error("public list leaked user agent")
		}
	})

	t.Run("admin requires auth", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/admin/visits")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("admin with cookie", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/admin/visits", nil)
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: generateTestToken(t, "router-secret", time.Minute)})
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var result domain.TrackingResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK || result.Records[0].UserAgent != "ua" || result.Records[0].OriginHash != "aaaa" {
			t.Errorf("status=%d records=%+v", resp.StatusCode, result.Records)
		}
	})
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name      string
		store     ports.VisitRepository
		wantStore string
	}{
		{"unavailable store", unavailable.New(errors.New("no DATABASE_URL")), "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := services.NewTracker(&stubResolver{}, services.NewVisitService(tt.store, 0), nil, 0)
			srv := httptest.NewServer(NewRouter(testConfig(), tracker, tt.store))
			defer srv.Close()

			var res healthResponse
			getJSON(t, srv.URL+"/healthz", &res)
			if res.Message != "ok" || res.Store != tt.wantStore {
				t.Errorf("healthz = %+v", res)
			}
		})
	}

	srv, _ := newTestServer(t, testConfig(), &stubResolver{})
	var res healthResponse
	getJSON(t, srv.URL+"/healthz", &res)
	if res.Store != "ok" {
		t.Errorf("store = %q, want ok", res.Store)
	}
}

func TestUnavailableStoreStillServesTrack(t *testing.T) {
	store := unavailable.New(nil)
	tracker := services.NewTracker(&stubResolver{loc: paris()}, services.NewVisitService(store, 0), nil, 0)
	srv := httptest.NewServer(NewRouter(testConfig(), tracker, store))
	defer srv.Close()

	resp, result := track(t, srv, "198.51.100.4")
	if resp.StatusCode != http.StatusOK || result.State != domain.StateReady {
		t.Fatalf("status=%d result=%+v", resp.StatusCode, result)
	}
	if len(result.Records) != 0 || result.Stats.TotalVisits != 0 {
		t.Errorf("expected zero state, got %+v", result)
	}
}

func TestMetricsAndRequestID(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), &stubResolver{})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id response header")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(), &stubResolver{})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/visits/track", nil)
	req.Header.Set("Origin", "https://portfolio.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://portfolio.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", url, err)
	}
}
