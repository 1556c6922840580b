package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/wadjakorntonsri/visitor-map/pkg/core/domain"
)

const (
	userAgent      = "visitor-map/1.0 (+https://github.com/wadjakorntonsri/visitor-map)"
	maxBodyBytes   = 64 << 10
	defaultTimeout = 5 * time.Second
)

var (
	// ErrProviderReported means the provider answered but flagged the lookup as failed.
	ErrProviderReported = errors.New("provider reported failure")
	// ErrInvalidResponse means the body could not be parsed or failed validation.
	ErrInvalidResponse = errors.New("invalid provider response")
	// ErrRateLimited is returned before any request when the local budget is spent.
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// Provider looks up the location of ip. An empty ip asks the provider to
// geolocate the address the request comes from.
type Provider interface {
	Lookup(ctx context.Context, ip string) (*domain.Location, error)
	Name() string
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// fetch performs a GET and returns the status code and a bounded body.
func fetch(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// LookupTarget returns the canonical form of ip when it is a routable
// public address and "" otherwise. A private, loopback or malformed address
// says nothing about where the visitor is, so it is never looked up.
func LookupTarget(ip string) string {
	addr, err := netip.ParseAddr(NormalizeIP(ip))
	if err != nil {
		return ""
	}
	addr = addr.Unmap().WithZone("")
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() || addr.IsMulticast() {
		return ""
	}
	return addr.String()
}

// NormalizeIP strips a port and IPv6 brackets: "[::1]:80" -> "::1", "1.2.3.4:80" -> "1.2.3.4".
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if strings.HasPrefix(ip, "[") {
		if idx := strings.LastIndex(ip, "]:"); idx != -1 {
			return ip[1:idx]
		}
		return strings.Trim(ip, "[]")
	}
	if strings.Count(ip, ":") == 1 {
		return ip[:strings.LastIndex(ip, ":")]
	}
	return ip
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
