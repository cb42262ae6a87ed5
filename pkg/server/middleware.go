package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinystation/pkg/clock"
)

// RouteStats is the request count and latency of one route and status.
type RouteStats struct {
	Method      string  `json:"method"`
	Route       string  `json:"route"`
	Status      string  `json:"status"`
	Requests    uint64  `json:"requests"`
	AvgDuration float64 `json:"avg_duration_ms"`
}

type routeKey struct {
	method, route, status string
}

type routeCounter struct {
	requests uint64
	total    time.Duration
}

// RequestStats counts API requests by method, route template and status.
type RequestStats struct {
	clock clock.Clock

	mu     sync.Mutex
	routes map[routeKey]*routeCounter
}

// NewRequestStats creates an empty tracker. A nil clock uses real time.
func NewRequestStats(clk clock.Clock) *RequestStats {
	if clk == nil {
		clk = clock.Real()
	}
	return &RequestStats{clock: clk, routes: make(map[routeKey]*routeCounter)}
}

// Middleware returns mux middleware that records every request.
//
// Usage:
//
//	stats := NewRequestStats(nil)
//	router.Use(stats.Middleware)
func (rs *RequestStats) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := rs.clock.Now()

		// Wrap ResponseWriter to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		rs.observe(r.Method, routeTemplate(r), rw.statusCode, rs.clock.Now().Sub(start))
	})
}

func (rs *RequestStats) observe(method, route string, status int, d time.Duration) {
	key := routeKey{method: method, route: route, status: strconv.Itoa(status)}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	c, ok := rs.routes[key]
	if !ok {
		c = &routeCounter{}
		rs.routes[key] = c
	}
	c.requests++
	c.total += d
}

// Snapshot returns the counters sorted by route, method and status.
func (rs *RequestStats) Snapshot() []RouteStats {
	rs.mu.Lock()
	out := make([]RouteStats, 0, len(rs.routes))
	for k, c := range rs.routes {
		out = append(out, RouteStats{
			Method:      k.method,
			Route:       k.route,
			Status:      k.status,
			Requests:    c.requests,
			AvgDuration: float64(c.total.Microseconds()) / float64(c.requests) / 1000,
		})
	}
	rs.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Route != out[j].Route {
			return out[i].Route < out[j].Route
		}
		if out[i].Method != out[j].Method {
			return out[i].Method < out[j].Method
		}
		return out[i].Status < out[j].Status
	})
	return out
}

// routeTemplate uses the matched mux template so /v1/history/{field}
// stays one series however many fields are queried.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
