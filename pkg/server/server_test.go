package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/clock"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Store.Backend = "memory"
	cfg.Alerts = []config.AlertRuleConfig{
		{ID: "hot", Field: "cpu_temp", Condition: "> 70", Level: "warn"},
	}
	return cfg
}

func newTestStation(t *testing.T, clk clock.Clock) (*Station, *mux.Router) {
	t.Helper()
	backend := memory.New()
	t.Cleanup(func() { backend.Close() })

	s, err := NewStation(testConfig(t), backend, clk)
	require.NoError(t, err)

	router := mux.NewRouter()
	SetupRoutes(router, s)
	return s, router
}

func get(t *testing.T, router http.Handler, url string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHistoryEndpoints(t *testing.T) {
	now := time.Unix(100*86400, 0)
	s, router := newTestStation(t, clock.Fake(now))
	ctx := context.Background()

	base := float64(now.Unix())
	for i := 0; i < 10; i++ {
		s.Store.RecordAt("temperature", 20+float64(i), base-600+float64(i)*30)
	}
	_, err := s.Store.Flush(ctx)
	require.NoError(t, err)

	var hist HistoryResponse
	require.Equal(t, http.StatusOK, get(t, router, "/v1/history/temperature?hours=1&points=5", &hist))
	assert.Equal(t, "temperature", hist.Field)
	assert.Equal(t, "raw", string(hist.Resolution))
	assert.Len(t, hist.Data, 5)
	assert.Equal(t, 20.0, hist.Data[0].V)

	require.Equal(t, http.StatusOK, get(t, router, "/v1/history/temperature?hours=5000&points=99999", &hist))
	assert.Equal(t, config.MaxHistoryHours, hist.Hours)
	assert.Equal(t, "1h", string(hist.Resolution))

	require.Equal(t, http.StatusOK, get(t, router, "/v1/history/unknown", &hist))
	assert.NotNil(t, hist.Data)
	assert.Empty(t, hist.Data)

	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/history/temperature?hours=abc", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/v1/history/temperature?points=-1", nil))

	var summary struct {
		Hours   float64 `json:"hours"`
		Summary map[string]struct {
			Avg     float64  `json:"avg"`
			Count   int64    `json:"count"`
			Current *float64 `json:"current"`
		} `json:"summary"`
	}
	require.Equal(t, http.StatusOK, get(t, router, "/v1/history/summary", &summary))
	assert.Equal(t, 24.0, summary.Hours)
	assert.Equal(t, int64(10), summary.Summary["temperature"].Count)
	assert.Equal(t, 24.5, summary.Summary["temperature"].Avg)
	assert.Equal(t, 29.0, *summary.Summary["temperature"].Current)

	var fields struct {
		Fields []string `json:"fields"`
	}
	require.Equal(t, http.StatusOK, get(t, router, "/v1/history/fields", &fields))
	assert.Equal(t, []string{"temperature"}, fields.Fields)
}

func TestAlertsAndLatest(t *testing.T) {
	s, router := newTestStation(t, clock.Fake(time.Unix(1000, 0)))
	s.Pipeline.Attach()
	defer s.Pipeline.Detach()

	s.Bus.Publish("system", bus.Payload{"cpu_temp": 75.0})

	var alerts struct {
		Alerts []struct {
			ID    string  `json:"id"`
			Level string  `json:"level"`
			Value float64 `json:"value"`
		} `json:"alerts"`
	}
	require.Equal(t, http.StatusOK, get(t, router, "/v1/alerts", &alerts))
	require.Len(t, alerts.Alerts, 1)
	assert.Equal(t, "hot", alerts.Alerts[0].ID)
	assert.Equal(t, "warn", alerts.Alerts[0].Level)

	var latest struct {
		Topic string      `json:"topic"`
		Data  bus.Payload `json:"data"`
	}
	require.Equal(t, http.StatusOK, get(t, router, "/v1/latest/alert", &latest))
	assert.Equal(t, "hot", latest.Data["id"])
	assert.Equal(t, http.StatusNotFound, get(t, router, "/v1/latest/nothing", nil))

	var all map[string]bus.Payload
	require.Equal(t, http.StatusOK, get(t, router, "/v1/latest", &all))
	assert.Contains(t, all, "system")
	assert.Contains(t, all, "alert")
}

func TestHealthReflectsJobs(t *testing.T) {
	s, router := newTestStation(t, clock.Fake(time.Unix(1000, 0)))

	var health HealthResponse
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no flush has run yet")

	s.FlushMonitor.RecordSuccess()
	s.DownsampleMonitor.RecordSuccess()
	require.Equal(t, http.StatusOK, get(t, router, "/v1/health", &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Jobs, 3)

	var stats StatsResponse
	require.Equal(t, http.StatusOK, get(t, router, "/v1/stats", &stats))
	assert.Equal(t, "direct", stats.Bus.Mode)
	assert.Nil(t, stats.Kafka)
}

func TestDemoToggle(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	cfg := testConfig(t)
	cfg.Sources = []config.SourceConfig{{ID: "dht11", Type: "sensor"}}
	s, err := NewStation(cfg, backend, nil)
	require.NoError(t, err)
	router := mux.NewRouter()
	SetupRoutes(router, s)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/demo?enabled=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"demo": true, "sources": 1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/demo?enabled=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketStream(t *testing.T) {
	s, router := newTestStation(t, nil)
	s.Bus.Publish("weather", bus.Payload{"temperature": 20.0})

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var f frame
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "weather", f.Topic, "latest values are sent on connect")

	require.Eventually(t, func() bool { return s.Hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Bus.Publish("system", bus.Payload{"cpu_temp": 50.0})

	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "system", f.Topic)
	assert.Equal(t, 50.0, f.Data["cpu_temp"])

	conn.Close()
	require.Eventually(t, func() bool { return s.Bus.Stats().Streams == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStation_StartStop(t *testing.T) {
	backend := memory.New()
	defer backend.Close()
	cfg := testConfig(t)
	cfg.Bus.Mode = "tick"
	cfg.Sources = []config.SourceConfig{
		{ID: "dht11", Type: "sensor", Demo: true, Interval: config.Duration(20 * time.Millisecond)},
		{ID: "broken", Type: "nope"},
	}

	s, err := NewStation(cfg, backend, nil)
	require.NoError(t, err)
	require.Len(t, s.Sources.Runners(), 1, "unknown source type is skipped")

	s.Start()
	require.Eventually(t, func() bool {
		_, ok := s.Bus.Latest("dht11")
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.CleanupMonitor.IsHealthy() }, 5*time.Second, 10*time.Millisecond)
	s.Stop()

	fields, err := backend.Fields(context.Background())
	require.NoError(t, err)
	assert.Contains(t, fields, "temperature")
	assert.Contains(t, fields, "humidity")
	assert.NotContains(t, fields, "_simulated")
}

func TestRequestStats_GroupsByRouteTemplate(t *testing.T) {
	_, router := newTestStation(t, clock.Fake(time.Unix(1000, 0)))

	get(t, router, "/v1/history/temperature", nil)
	get(t, router, "/v1/history/humidity", nil)
	get(t, router, "/v1/history/humidity?hours=-1", nil)

	var stats StatsResponse
	require.Equal(t, http.StatusOK, get(t, router, "/v1/stats", &stats))

	byStatus := map[string]uint64{}
	for _, rs := range stats.HTTP {
		if rs.Route == "/v1/history/{field}" {
			byStatus[rs.Status] = rs.Requests
		}
	}
	assert.Equal(t, map[string]uint64{"200": 2, "400": 1}, byStatus)
}
