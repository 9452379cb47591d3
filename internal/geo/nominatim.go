// Package geo geocodes location names, reverse-geocodes points to their
// first-level administrative region and caches both lookups.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hurttlocker/pestmap/internal/coords"
	"github.com/hurttlocker/pestmap/internal/metrics"
)

// ErrNotFound is returned when the geocoder has no result for a query.
var ErrNotFound = eris.New("geo: no result")

// Geocoder resolves names to points and points to regions.
type Geocoder interface {
	Geocode(ctx context.Context, query string) (coords.Point, error)
	Reverse(ctx context.Context, p coords.Point) (string, error)
}

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	DefaultUserAgent    = "pestmap"
	DefaultInterval     = time.Second
	DefaultAttempts     = 5
	defaultHTTPTimeout  = 20 * time.Second
)

// NominatimConfig configures a Nominatim client.
type NominatimConfig struct {
	BaseURL   string
	UserAgent string
	// Interval is the minimum gap between requests. The public instance
	// allows one request per second.
	Interval time.Duration
	Attempts int
	Client   *http.Client
}

// Nominatim is a rate-limited client for an OpenStreetMap Nominatim server.
type Nominatim struct {
	baseURL   string
	userAgent string
	attempts  int
	limiter   *rate.Limiter
	client    *http.Client
}

// NewNominatim creates a client. Zero fields take the defaults.
func NewNominatim(cfg NominatimConfig) *Nominatim {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNominatimURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	} else if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Nominatim{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		attempts:  cfg.Attempts,
		limiter:   rate.NewLimiter(limit, 1),
		client:    cfg.Client,
	}
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

type reverseResult struct {
	Error   string `json:"error"`
	Address struct {
		State    string `json:"state"`
		Province string `json:"province"`
		Region   string `json:"region"`
	} `json:"address"`
}

// Geocode returns the point of the best match for query.
func (n *Nominatim) Geocode(ctx context.Context, query string) (coords.Point, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("limit", "1")

	var results []searchResult
	if err := n.get(ctx, "search", "/search?"+q.Encode(), &results); err != nil {
		return coords.Point{}, err
	}
	if len(results) == 0 {
		metrics.RecordGeocoderCall("search", "not_found")
		return coords.Point{}, eris.Wrapf(ErrNotFound, "search %q", query)
	}
	lat, err1 := strconv.ParseFloat(results[0].Lat, 64)
	lon, err2 := strconv.ParseFloat(results[0].Lon, 64)
	if err1 != nil || err2 != nil {
		return coords.Point{}, eris.Errorf("geo: bad coordinates %q,%q for %q", results[0].Lat, results[0].Lon, query)
	}
	return coords.Point{Lat: lat, Lon: lon}, nil
}

// Reverse returns the lowercased first-level administrative region
// containing p, or "" when the point is not inside one.
func (n *Nominatim) Reverse(ctx context.Context, p coords.Point) (string, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(p.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(p.Lon, 'f', -1, 64))
	q.Set("format", "json")
	q.Set("zoom", "5")
	q.Set("accept-language", "en")

	var res reverseResult
	if err := n.get(ctx, "reverse", "/reverse?"+q.Encode(), &res); err != nil {
		return "", err
	}
	if res.Error != "" {
		metrics.RecordGeocoderCall("reverse", "not_found")
		return "", eris.Wrapf(ErrNotFound, "reverse %v,%v: %s", p.Lat, p.Lon, res.Error)
	}
	region := res.Address.State
	if region == "" {
		region = res.Address.Province
	}
	if region == "" {
		region = res.Address.Region
	}
	return strings.ToLower(region), nil
}

func (n *Nominatim) get(ctx context.Context, kind, path string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
		retry, err := n.do(ctx, path, out)
		if err == nil {
			metrics.RecordGeocoderCall(kind, "ok")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if !retry {
			metrics.RecordGeocoderCall(kind, "error")
			return err
		}
		metrics.RecordGeocoderCall(kind, "retry")
		zap.L().Warn("geocoder request failed, retrying",
			zap.String("kind", kind),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	metrics.RecordGeocoderCall(kind, "exhausted")
	return eris.Wrapf(lastErr, "geo: %s failed after %d attempts", kind, n.attempts)
}

// do performs one request. The bool reports whether a failure is worth retrying.
func (n *Nominatim) do(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path, nil)
	if err != nil {
		return false, eris.Wrap(err, "geo: build request")
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return true, eris.Wrap(err, "geo: request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, eris.Wrap(err, "geo: read response")
	}
	if resp.StatusCode != http.StatusOK {
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retry, eris.New(fmt.Sprintf("geo: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, eris.Wrap(err, "geo: decode response")
	}
	return false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
