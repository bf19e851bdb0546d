// Package weather implements the weather lookup adapter.
//
// Lookups go to a Meteomatics-style HTTP endpoint keyed by (latitude,
// longitude, metric) and are cached for a configurable duration. A refetch
// for a given key is serialized so concurrent cold lookups trigger at most
// one upstream request. When the live endpoint is exhausted by the recovery
// policy the client falls back to a stale cached value or the deterministic
// mock generator, reported as degraded capability.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hearthctl/hearth/internal/config"
	"github.com/hearthctl/hearth/internal/device"
	"github.com/hearthctl/hearth/internal/recovery"
)

// Metric selects what weather value to look up.
type Metric string

const (
	MetricTemp    Metric = "temp"
	MetricWind    Metric = "wind"
	MetricPrecip  Metric = "precip"
	MetricSunrise Metric = "sunrise"
	MetricSunset  Metric = "sunset"
)

// Metrics lists the supported metrics in prompt order.
var Metrics = []Metric{MetricTemp, MetricWind, MetricPrecip, MetricSunrise, MetricSunset}

// apiParams maps metrics to Meteomatics parameter names.
var apiParams = map[Metric]string{
	MetricTemp:    "t_2m:F",
	MetricWind:    "wind_speed_10m:ms",
	MetricPrecip:  "precip_24h:mm",
	MetricSunrise: "sunrise:sql",
	MetricSunset:  "sunset:sql",
}

// mockValues is the deterministic generator used in mock mode and as the
// last-resort fallback.
var mockValues = map[Metric]string{
	MetricTemp:    "72°F",
	MetricWind:    "8 MPH",
	MetricPrecip:  "0.1 inches",
	MetricSunrise: "6:30 AM",
	MetricSunset:  "7:45 PM",
}

// entry is a cached value for one (lat, lon, metric) key. Its mutex
// serializes refetches for that key; reads of other keys proceed freely.
type entry struct {
	mu        sync.Mutex
	value     string
	fetchedAt time.Time
}

// Client looks up and caches weather data.
type Client struct {
	apiURL   string
	city     string
	lat, lon float64
	username string
	password string
	ttl      time.Duration
	mock     bool
	httpc    *http.Client
	policy   *recovery.Policy
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a weather client from config, protected by the given policy.
func New(cfg config.WeatherConfig, policy *recovery.Policy) *Client {
	return &Client{
		apiURL:   cfg.APIURL,
		city:     cfg.City,
		lat:      cfg.Latitude,
		lon:      cfg.Longitude,
		username: cfg.Username,
		password: cfg.Password,
		ttl:      time.Duration(cfg.CacheDuration) * time.Second,
		mock:     cfg.UseMockData,
		httpc:    &http.Client{},
		policy:   policy,
		logger:   slog.With("component", "weather"),
		now:      time.Now,
	}
}

// City is the configured display name for the lookup location.
func (c *Client) City() string { return c.city }

// Lookup returns the current value for a metric. The Result carries
// KindNetwork with OK=true when a fallback value was served because the
// live endpoint is unreachable.
func (c *Client) Lookup(ctx context.Context, metric Metric) (string, device.Result) {
	if _, ok := apiParams[metric]; !ok {
		return "", device.Failure(device.KindUserInput, fmt.Sprintf("unknown weather metric %q", metric))
	}

	if c.mock {
		return mockValues[metric], device.Success()
	}

	e := c.entry(metric)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.value != "" && c.now().Sub(e.fetchedAt) <= c.ttl {
		return e.value, device.Success()
	}

	var value string
	err := c.policy.Execute(ctx, "fetch_"+string(metric), func(ctx context.Context) error {
		v, err := c.fetch(ctx, metric)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		c.logger.Warn("live weather unavailable", "metric", metric, "error", err)
		if e.value != "" {
			return e.value, device.Result{OK: true, Kind: device.KindNetwork, Detail: "serving cached value, live endpoint unreachable"}
		}
		return mockValues[metric], device.Result{OK: true, Kind: device.KindNetwork, Detail: "serving mock value, live endpoint unreachable"}
	}

	e.value = value
	e.fetchedAt = c.now()
	return value, device.Success()
}

// entry returns the cache slot for a metric, creating it if needed.
func (c *Client) entry(metric Metric) *entry {
	key := fmt.Sprintf("%.4f,%.4f,%s", c.lat, c.lon, metric)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*entry)
	}
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// fetch performs one upstream request:
// {api}/{ISO-8601 UTC}/{parameter}/{lat},{lon}/json
func (c *Client) fetch(ctx context.Context, metric Metric) (string, error) {
	stamp := c.now().UTC().Format("2006-01-02T15:04:05Z")
	url := fmt.Sprintf("%s/%s/%s/%.4f,%.4f/json", c.apiURL, stamp, apiParams[metric], c.lat, c.lon)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", device.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: weather endpoint returned %d", device.ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", device.ErrNetwork, err)
	}

	value, err := parseResponse(body)
	if err != nil {
		return "", err
	}
	return formatValue(metric, value), nil
}

// parseResponse extracts the first data point from a Meteomatics JSON body.
func parseResponse(body []byte) (any, error) {
	var parsed struct {
		Data []struct {
			Coordinates []struct {
				Dates []struct {
					Value any `json:"value"`
				} `json:"dates"`
			} `json:"coordinates"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed weather response: %v", device.ErrNetwork, err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Coordinates) == 0 || len(parsed.Data[0].Coordinates[0].Dates) == 0 {
		return nil, fmt.Errorf("%w: empty weather response", device.ErrNetwork)
	}
	return parsed.Data[0].Coordinates[0].Dates[0].Value, nil
}

// formatValue renders an API value for speech and display.
func formatValue(metric Metric, value any) string {
	switch metric {
	case MetricTemp:
		if f, ok := value.(float64); ok {
			return fmt.Sprintf("%.0f°F", f)
		}
	case MetricWind:
		if f, ok := value.(float64); ok {
			return fmt.Sprintf("%.0f m/s", f)
		}
	case MetricPrecip:
		if f, ok := value.(float64); ok {
			return fmt.Sprintf("%.1f mm", f)
		}
	case MetricSunrise, MetricSunset:
		if s, ok := value.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.Local().Format("3:04 PM")
			}
			return s
		}
	}
	return fmt.Sprintf("%v", value)
}
