package ipmask

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Stats is the process-scoped request accounting shared by the pipeline
// and the status endpoints.
type Stats struct {
	startTime time.Time
	requests  atomic.Int64
	alive     atomic.Bool
}

// NewStats creates Stats with the clock started now. The proxy is
// reported alive until SetAlive(false) is called.
func NewStats() *Stats {
	s := &Stats{startTime: time.Now()}
	s.alive.Store(true)
	return s
}

// IncRequests records one inbound request and returns the new total.
func (s *Stats) IncRequests() int64 {
	return s.requests.Add(1)
}

// Requests returns the number of inbound requests seen so far.
func (s *Stats) Requests() int64 {
	return s.requests.Load()
}

// Uptime returns the time since the stats were created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// SetAlive marks the proxy as alive or draining.
func (s *Stats) SetAlive(alive bool) {
	s.alive.Store(alive)
}

// IsAlive returns true if the proxy is serving traffic.
func (s *Stats) IsAlive() bool {
	return s.alive.Load()
}

// HealthResponse is the JSON body returned by the liveness endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// HandleHealth serves the liveness probe. It reports "healthy" while the
// proxy is alive and 503 once shutdown has begun.
func (s *Stats) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if s.IsAlive() {
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// formatUptime renders d as "H:MM:SS", prefixed with a day count when
// longer than a day.
func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int64(d / time.Hour)
	m := int64(d/time.Minute) % 60
	sec := int64(d/time.Second) % 60

	clock := fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}
