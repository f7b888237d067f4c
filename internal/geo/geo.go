// Package geo resolves a subscriber's country from their IP address after
// the subscribe request has returned.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/metrics"
	"github.com/countryballcards/signup/internal/pkg/httpretry"
	"github.com/countryballcards/signup/internal/pkg/logger"
)

// ErrNotPublic is returned for addresses no lookup service can place:
// private, loopback, link-local and unparseable ones.
var ErrNotPublic = errors.New("geo: address is not public")

// Locator queries an ip-api.com compatible endpoint.
type Locator struct {
	client  httpretry.HTTPDoer
	baseURL string
}

// NewLocator creates a locator. client is typically a RetryClient.
func NewLocator(client httpretry.HTTPDoer, baseURL string) *Locator {
	return &Locator{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// PublicIP reports whether ip is a routable unicast address.
func PublicIP(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsGlobalUnicast() && !addr.IsPrivate()
}

type lookupResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	Message     string `json:"message"`
}

// Country returns the ISO country code for ip.
func (l *Locator) Country(ctx context.Context, ip string) (string, error) {
	if !PublicIP(ip) {
		return "", ErrNotPublic
	}
	url := fmt.Sprintf("%s/json/%s?fields=status,message,countryCode", l.baseURL, strings.TrimSpace(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("geo: build request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo: lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo: lookup returned %d", resp.StatusCode)
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("geo: decode: %w", err)
	}
	if out.Status == "fail" {
		return "", fmt.Errorf("geo: lookup failed: %s", out.Message)
	}
	return strings.ToUpper(out.CountryCode), nil
}

// Store is where resolved countries are written.
type Store interface {
	SetCountry(ctx context.Context, email, country string) error
	RecordAction(ctx context.Context, email, action, detail, ip string, success bool)
}

// Enricher runs lookups in the background and stores the result.
type Enricher struct {
	locator *Locator
	store   Store
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewEnricher creates an enricher; timeout bounds each lookup.
func NewEnricher(locator *Locator, store Store, timeout time.Duration) *Enricher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Enricher{locator: locator, store: store, timeout: timeout}
}

// Enrich schedules a lookup for email and returns immediately.
func (e *Enricher) Enrich(email, ip string) {
	if !PublicIP(ip) {
		metrics.RecordGeoLookup("skipped")
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		country, err := e.locator.Country(ctx, ip)
		if err != nil || country == "" {
			metrics.RecordGeoLookup("failed")
			logger.Debug("geo: lookup failed", "email", email, "error", err)
			return
		}
		if err := e.store.SetCountry(ctx, email, country); err != nil {
			metrics.RecordGeoLookup("failed")
			logger.Warn("geo: store country failed", "email", email, "error", err)
			return
		}
		metrics.RecordGeoLookup("resolved")
		e.store.RecordAction(ctx, email, domain.ActionCountryResolved, "country: "+country, ip, true)
	}()
}

// Wait blocks until in-flight lookups finish.
func (e *Enricher) Wait() { e.wg.Wait() }
