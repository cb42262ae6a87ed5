package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinystation/pkg/alert"
	"github.com/nicktill/tinystation/pkg/bus"
	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/httpx"
	"github.com/nicktill/tinystation/pkg/pipeline"
	"github.com/nicktill/tinystation/pkg/server/monitor"
	"github.com/nicktill/tinystation/pkg/sink"
	"github.com/nicktill/tinystation/pkg/source"
	"github.com/nicktill/tinystation/pkg/timeseries"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                `json:"status"`
	Version string                `json:"version"`
	Uptime  string                `json:"uptime"`
	Jobs    []monitor.CycleStatus `json:"jobs"`
}

// handleHealth reports degraded when the flush or downsample job is
// failing. Retention runs hourly and only shows in the job list.
func (s *Station) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.FlushMonitor.IsHealthy() || !s.DownsampleMonitor.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:  status,
		Version: Version,
		Uptime:  s.Uptime().String(),
		Jobs: []monitor.CycleStatus{
			s.FlushMonitor.Status(),
			s.DownsampleMonitor.Status(),
			s.CleanupMonitor.Status(),
		},
	})
}

// StatsResponse aggregates component counters.
type StatsResponse struct {
	Bus       bus.Stats        `json:"bus"`
	Store     timeseries.Stats `json:"store"`
	Pipeline  pipeline.Stats   `json:"pipeline"`
	Sources   []source.Stats   `json:"sources"`
	Clients   int64            `json:"ws_clients"`
	DiskBytes int64            `json:"disk_bytes"`
	HTTP      []RouteStats     `json:"http"`
	Kafka     *sink.Stats      `json:"kafka,omitempty"`
	Influx    *sink.Stats      `json:"influx,omitempty"`
}

func (s *Station) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	st, err := s.Store.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := StatsResponse{
		Bus:      s.Bus.Stats(),
		Store:    st,
		Pipeline: s.Pipeline.Stats(),
		Sources:  s.Sources.Stats(),
		Clients:  s.Hub.Clients(),
		HTTP:     s.HTTP.Snapshot(),
	}
	if used, err := s.Disk.Usage(); err == nil {
		resp.DiskBytes = used
	}
	if s.Kafka != nil {
		ks := s.Kafka.Stats()
		resp.Kafka = &ks
	}
	if s.Influx != nil {
		is := s.Influx.Stats()
		resp.Influx = &is
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// parseHours reads the hours parameter, clamped to the maximum range.
func parseHours(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return config.DefaultHistoryHours, nil
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil || hours <= 0 {
		return 0, errors.New("hours must be a positive number")
	}
	return min(hours, config.MaxHistoryHours), nil
}

// parsePoints reads the points parameter, clamped to the maximum.
func parsePoints(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("points")
	if raw == "" {
		return config.DefaultHistoryPoints, nil
	}
	points, err := strconv.Atoi(raw)
	if err != nil || points <= 0 {
		return 0, errors.New("points must be a positive integer")
	}
	return min(points, config.MaxHistoryPoints), nil
}

// HistoryResponse is the body of GET /v1/history/{field}.
type HistoryResponse struct {
	Field      string                `json:"field"`
	Hours      float64               `json:"hours"`
	Resolution timeseries.Resolution `json:"resolution"`
	Data       []timeseries.Point    `json:"data"`
}

func (s *Station) handleHistory(w http.ResponseWriter, r *http.Request) {
	field := mux.Vars(r)["field"]
	hours, err := parseHours(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	points, err := parsePoints(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	data, err := s.Store.GetHistory(ctx, field, hours, points)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if data == nil {
		data = []timeseries.Point{}
	}
	httpx.RespondJSON(w, http.StatusOK, HistoryResponse{
		Field:      field,
		Hours:      hours,
		Resolution: timeseries.ResolutionFor(hours),
		Data:       data,
	})
}

func (s *Station) handleSummary(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	summary, err := s.Store.GetSummary(ctx, hours)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"hours": hours, "summary": summary})
}

func (s *Station) handleFields(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	fields, err := s.Store.GetFields(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if fields == nil {
		fields = []string{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (s *Station) handleAlerts(w http.ResponseWriter, r *http.Request) {
	active := s.Alerts.ActiveAlerts()
	if active == nil {
		active = []alert.Alert{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"alerts": active})
}

func (s *Station) handleLatest(w http.ResponseWriter, r *http.Request) {
	if topic, ok := mux.Vars(r)["topic"]; ok {
		p, found := s.Bus.Latest(topic)
		if !found {
			httpx.RespondErrorString(w, http.StatusNotFound, "no data for topic "+topic)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]any{"topic": topic, "data": p})
		return
	}
	httpx.RespondJSON(w, http.StatusOK, s.Bus.Snapshot())
}

// handleDemo sets demo mode on every producer that supports it.
// Body-less; ?enabled=true|false.
func (s *Station) handleDemo(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}
	n := s.SetDemo(enabled)
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"demo": enabled, "sources": n})
}

// SetupRoutes configures all HTTP routes for the station.
func SetupRoutes(router *mux.Router, s *Station) {
	// CORS middleware for API access
	router.Use(corsMiddleware(s.Config.Port))
	router.Use(s.HTTP.Middleware)

	api := router.PathPrefix("/v1").Subrouter()

	// History
	api.HandleFunc("/history/fields", s.handleFields).Methods("GET")
	api.HandleFunc("/history/summary", s.handleSummary).Methods("GET")
	api.HandleFunc("/history/{field}", s.handleHistory).Methods("GET")

	// Live state
	api.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	api.HandleFunc("/latest", s.handleLatest).Methods("GET")
	api.HandleFunc("/latest/{topic}", s.handleLatest).Methods("GET")
	api.HandleFunc("/demo", s.handleDemo).Methods("POST")

	// Operations
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// WebSocket for real-time updates
	api.HandleFunc("/ws", s.Hub.HandleWebSocket).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Allow localhost origins for local development
			allowedOrigins := []string{
				"http://localhost:" + port,
				"http://127.0.0.1:" + port,
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}

			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}

			// Only set CORS headers for allowed origins
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
