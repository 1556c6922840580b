package geo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
)

const ipAPIFields = "status,message,country,countryCode,region,city,lat,lon,timezone,query"

// IPAPIComProvider queries ip-api.com, the fallback.
// Free tier allows 45 requests per minute per source address.
type IPAPIComProvider struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// ipAPIComResponse is the JSON body of http://ip-api.com/json/
type ipAPIComResponse struct {
	Status      string  `json:"status"`  // "success" or "fail"
	Message     string  `json:"message"` // set when status is "fail"
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	Region      string  `json:"region"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	Query       string  `json:"query"` // the IP that was looked up
}

func NewIPAPIComProvider(baseURL string, timeout time.Duration) *IPAPIComProvider {
	if baseURL == "" {
		baseURL = "http://ip-api.com"
	}
	return &IPAPIComProvider{
		client:  newHTTPClient(timeout),
		limiter: rate.NewLimiter(rate.Every(time.Minute/45), 45),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (p *IPAPIComProvider) Name() string {
	return "ip-api.com"
}

func (p *IPAPIComProvider) Lookup(ctx context.Context, ip string) (*domain.Location, error) {
	if !p.limiter.Allow() {
		return nil, ErrRateLimited
	}

	url := fmt.Sprintf("%s/json/%s?fields=%s", p.baseURL, ip, ipAPIFields)

	status, body, err := fetch(ctx, p.client, url)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: ip-api.com returned status %d", ErrProviderReported, status)
	}

	var result ipAPIComResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	switch result.Status {
	case "success":
	case "fail":
		return nil, fmt.Errorf("%w: ip-api.com: %s", ErrProviderReported, result.Message)
	default:
		return nil, fmt.Errorf("%w: ip-api.com status %q", ErrInvalidResponse, result.Status)
	}

	return convertIPAPIComResponse(&result, ip), nil
}

func convertIPAPIComResponse(result *ipAPIComResponse, requested string) *domain.Location {
	return &domain.Location{
		City:        orDefault(result.City, domain.UnknownCity),
		Country:     orDefault(result.Country, domain.UnknownCountry),
		CountryCode: orDefault(result.CountryCode, domain.UnknownCountryCode),
		Latitude:    result.Lat,
		Longitude:   result.Lon,
		Region:      result.Region,
		Timezone:    result.Timezone,
		IP:          orDefault(result.Query, requested),
	}
}
