package services

import (
	"fmt"
	"sort"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
)

// DefaultRecentVisitors is how many records RecentVisitors returns by default.
const DefaultRecentVisitors = 10

// ErrMalformedRecord marks a stored record the aggregator refuses to count.
var ErrMalformedRecord = domain.ErrMalformedRecord

// ComputeStats sums visit counts (a zero count counts as one), counts
// records, and collects the distinct countries in first-seen order.
func ComputeStats(records []domain.VisitRecord) domain.VisitorStats {
	stats := domain.VisitorStats{
		UniqueLocations: len(records),
		Countries:       []string{},
	}
	seen := make(map[string]struct{})
	for _, r := range records {
		stats.TotalVisits += r.EffectiveCount()
		if _, ok := seen[r.Country]; !ok {
			seen[r.Country] = struct{}{}
			stats.Countries = append(stats.Countries, r.Country)
		}
	}
	return stats
}

// GroupByCity merges records sharing city and country. Counts do not depend
// on input order; coordinates and region come from the first record per key.
func GroupByCity(records []domain.VisitRecord) map[domain.ClusterKey]domain.CityCluster {
	clusters := make(map[domain.ClusterKey]domain.CityCluster)
	for _, r := range records {
		key := domain.ClusterKey{City: r.City, Country: r.Country}
		if c, ok := clusters[key]; ok {
			c.Count += r.EffectiveCount()
			clusters[key] = c
			continue
		}
		clusters[key] = domain.CityCluster{
			City:        r.City,
			Country:     r.Country,
			CountryCode: r.CountryCode,
			Region:      r.Region,
			Latitude:    r.Latitude,
			Longitude:   r.Longitude,
			Count:       r.EffectiveCount(),
		}
	}
	return clusters
}

// SortedClusters flattens clusters, biggest first, ties by country then city.
func SortedClusters(clusters map[domain.ClusterKey]domain.CityCluster) []domain.CityCluster {
	out := make([]domain.CityCluster, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Country != out[j].Country {
			return out[i].Country < out[j].Country
		}
		return out[i].City < out[j].City
	})
	return out
}

// RecentVisitors returns the first n records of a newest-first list.
func RecentVisitors(records []domain.VisitRecord, n int) []domain.VisitRecord {
	if n <= 0 {
		n = DefaultRecentVisitors
	}
	if len(records) < n {
		n = len(records)
	}
	out := make([]domain.VisitRecord, n)
	copy(out, records[:n])
	return out
}

// ValidateRecords rejects records that could only come from a corrupted
// store: negative counts or a missing origin hash.
func ValidateRecords(records []domain.VisitRecord) error {
	for _, r := range records {
		if r.VisitCount < 0 {
			return fmt.Errorf("%w: record %d has visit count %d", ErrMalformedRecord, r.ID, r.VisitCount)
		}
		if r.OriginHash == "" {
			return fmt.Errorf("%w: record %d has no origin hash", ErrMalformedRecord, r.ID)
		}
	}
	return nil
}
