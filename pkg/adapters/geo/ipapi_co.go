package geo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
)

// IPAPICoProvider queries ipapi.co. Free tier, no key, used as the primary.
type IPAPICoProvider struct {
	client  *http.Client
	baseURL string
}

// ipapiCoResponse is the JSON body of https://ipapi.co/json/
type ipapiCoResponse struct {
	City        string  `json:"city"`
	Country     string  `json:"country"`      // ISO code on the live service
	CountryName string  `json:"country_name"` // full name, preferred when present
	CountryCode string  `json:"country_code"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Region      string  `json:"region"`
	Timezone    string  `json:"timezone"`
	IP          string  `json:"ip"`
	Error       bool    `json:"error"`
	Reason      string  `json:"reason"`
}

func NewIPAPICoProvider(baseURL string, timeout time.Duration) *IPAPICoProvider {
	if baseURL == "" {
		baseURL = "https://ipapi.co"
	}
	return &IPAPICoProvider{
		client:  newHTTPClient(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (p *IPAPICoProvider) Name() string {
	return "ipapi.co"
}

func (p *IPAPICoProvider) Lookup(ctx context.Context, ip string) (*domain.Location, error) {
	url := p.baseURL + "/json/"
	if ip != "" {
		url = fmt.Sprintf("%s/%s/json/", p.baseURL, ip)
	}

	status, body, err := fetch(ctx, p.client, url)
	if err != nil {
		return nil, err
	}

	var result ipapiCoResponse
	decodeErr := json.Unmarshal(body, &result)

	if status != http.StatusOK {
		if decodeErr == nil && result.Error {
			return nil, fmt.Errorf("%w: ipapi.co status %d: %s", ErrProviderReported, status, result.Reason)
		}
		return nil, fmt.Errorf("%w: ipapi.co returned status %d", ErrProviderReported, status)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, decodeErr)
	}
	if result.Error {
		return nil, fmt.Errorf("%w: ipapi.co: %s", ErrProviderReported, result.Reason)
	}

	return convertIPAPICoResponse(&result, ip), nil
}

func convertIPAPICoResponse(result *ipapiCoResponse, requested string) *domain.Location {
	country := result.CountryName
	if country == "" {
		country = result.Country
	}
	return &domain.Location{
		City:        orDefault(result.City, domain.UnknownCity),
		Country:     orDefault(country, domain.UnknownCountry),
		CountryCode: orDefault(result.CountryCode, domain.UnknownCountryCode),
		Latitude:    result.Latitude,
		Longitude:   result.Longitude,
		Region:      result.Region,
		Timezone:    result.Timezone,
		IP:          orDefault(result.IP, requested),
	}
}
