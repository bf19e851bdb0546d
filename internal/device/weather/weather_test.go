package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthctl/hearth/internal/config"
	"github.com/hearthctl/hearth/internal/device"
	"github.com/hearthctl/hearth/internal/recovery"
)

func fastPolicy() *recovery.Policy {
	return recovery.New("weather-test", recovery.Config{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		CallTimeout:     time.Second,
	})
}

func liveClient(t *testing.T, url string) *Client {
	t.Helper()
	return New(config.WeatherConfig{
		APIURL:        url,
		Latitude:      41.8781,
		Longitude:     -87.6298,
		CacheDuration: 300,
		UseMockData:   false,
		Username:      "user",
		Password:      "pass",
	}, fastPolicy())
}

func meteomaticsBody(value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf(`{"data":[{"coordinates":[{"dates":[{"value":%q}]}]}]}`, v)
	default:
		return fmt.Sprintf(`{"data":[{"coordinates":[{"dates":[{"value":%v}]}]}]}`, v)
	}
}

func TestCity(t *testing.T) {
	c := New(config.WeatherConfig{City: "Chicago", UseMockData: true}, fastPolicy())
	assert.Equal(t, "Chicago", c.City())
}

func TestLookupMockMode(t *testing.T) {
	c := New(config.WeatherConfig{UseMockData: true}, fastPolicy())

	tests := []struct {
		metric Metric
		want   string
	}{
		{MetricTemp, "72°F"},
		{MetricWind, "8 MPH"},
		{MetricPrecip, "0.1 inches"},
		{MetricSunrise, "6:30 AM"},
		{MetricSunset, "7:45 PM"},
	}
	for _, tt := range tests {
		value, res := c.Lookup(context.Background(), tt.metric)
		require.True(t, res.OK)
		assert.Equal(t, device.KindNone, res.Kind)
		assert.Equal(t, tt.want, value)
	}
}

func TestLookupUnknownMetric(t *testing.T) {
	c := New(config.WeatherConfig{UseMockData: true}, fastPolicy())

	_, res := c.Lookup(context.Background(), Metric("humidity"))
	assert.False(t, res.OK)
	assert.Equal(t, device.KindUserInput, res.Kind)
}

func TestLookupFetchesAndCaches(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "pass", pass)
		assert.Contains(t, r.URL.Path, "t_2m:F")
		assert.Contains(t, r.URL.Path, "41.8781,-87.6298")
		fmt.Fprint(w, meteomaticsBody(71.6))
	}))
	defer srv.Close()

	c := liveClient(t, srv.URL)

	value, res := c.Lookup(context.Background(), MetricTemp)
	require.True(t, res.OK)
	assert.Equal(t, "72°F", value)

	// Within the TTL the cached value is served without a request.
	value, res = c.Lookup(context.Background(), MetricTemp)
	require.True(t, res.OK)
	assert.Equal(t, "72°F", value)
	assert.Equal(t, int64(1), requests.Load())
}

func TestLookupRefetchesAfterExpiry(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, meteomaticsBody(60.0+float64(requests.Add(1))))
	}))
	defer srv.Close()

	c := liveClient(t, srv.URL)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	value, _ := c.Lookup(context.Background(), MetricTemp)
	assert.Equal(t, "61°F", value)

	// Still fresh after 4 minutes.
	clock = clock.Add(4 * time.Minute)
	value, _ = c.Lookup(context.Background(), MetricTemp)
	assert.Equal(t, "61°F", value)

	// Expired after 6 minutes.
	clock = clock.Add(2 * time.Minute)
	value, _ = c.Lookup(context.Background(), MetricTemp)
	assert.Equal(t, "62°F", value)
	assert.Equal(t, int64(2), requests.Load())
}

func TestLookupServesStaleCacheWhenEndpointDies(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, meteomaticsBody(71.6))
	}))
	defer srv.Close()

	c := liveClient(t, srv.URL)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	value, res := c.Lookup(context.Background(), MetricTemp)
	require.True(t, res.OK)
	require.Equal(t, "72°F", value)

	fail.Store(true)
	clock = clock.Add(10 * time.Minute)

	value, res = c.Lookup(context.Background(), MetricTemp)
	assert.True(t, res.OK)
	assert.Equal(t, device.KindNetwork, res.Kind)
	assert.Equal(t, "72°F", value)
}

func TestLookupFallsBackToMockWhenNothingCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := liveClient(t, srv.URL)

	value, res := c.Lookup(context.Background(), MetricWind)
	assert.True(t, res.OK)
	assert.Equal(t, device.KindNetwork, res.Kind)
	assert.Equal(t, "8 MPH", value)
}

func TestLookupSunriseFormatting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, meteomaticsBody("2026-08-29T06:30:00Z"))
	}))
	defer srv.Close()

	c := liveClient(t, srv.URL)

	value, res := c.Lookup(context.Background(), MetricSunrise)
	require.True(t, res.OK)
	assert.Regexp(t, `^\d{1,2}:\d{2} (AM|PM)$`, value)
}

func TestParseResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>oops</html>"},
		{"empty data", `{"data":[]}`},
		{"empty coordinates", `{"data":[{"coordinates":[]}]}`},
		{"empty dates", `{"data":[{"coordinates":[{"dates":[]}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResponse([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, device.KindNetwork, device.Classify(err))
		})
	}
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "72°F", formatValue(MetricTemp, 71.6))
	assert.Equal(t, "8 m/s", formatValue(MetricWind, 8.2))
	assert.Equal(t, "0.1 mm", formatValue(MetricPrecip, 0.12))
	assert.Equal(t, "not-a-time", formatValue(MetricSunrise, "not-a-time"))
	assert.Equal(t, "42", formatValue(MetricTemp, "42"))
}
