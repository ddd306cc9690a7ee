package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Pinger is anything with a liveness check, e.g. the Redis store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamState    string    `json:"stream_state"`
	StreamFatal    bool      `json:"stream_fatal"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	ActiveSeries   int       `json:"active_series"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), StreamState: "disconnected"}
}

func (h *HealthStatus) SetStreamState(s string) {
	h.mu.Lock()
	h.StreamState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreamFatal() {
	h.mu.Lock()
	h.StreamFatal = true
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveSeries(n int) {
	h.mu.Lock()
	h.ActiveSeries = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency and health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker pings dependencies every interval until ctx ends.
// Either dependency may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, redis Pinger, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if redis != nil {
			h.CheckRedis(checkCtx, redis)
		}
		if sqlDB != nil {
			h.CheckSQLite(checkCtx, sqlDB)
		}
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Report is the JSON body of the health endpoint.
type Report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	StreamState     string  `json:"stream_state"`
	LastTickTime    string  `json:"last_tick_time,omitempty"`
	TickAge         string  `json:"tick_age,omitempty"`
	ActiveSeries    int     `json:"active_series"`
	RedisConnected  *bool   `json:"redis_connected,omitempty"`
	RedisLatencyMs  float64 `json:"redis_latency_ms,omitempty"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
}

// Report summarizes health. A lost stream or database is unhealthy; a
// reconnecting stream or missing cache is degraded.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := Report{
		Status:          "healthy",
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamState:     h.StreamState,
		ActiveSeries:    h.ActiveSeries,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
	}
	if !h.LastTickTime.IsZero() {
		r.LastTickTime = h.LastTickTime.Format(time.RFC3339)
		r.TickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}
	if h.RedisEnabled {
		ok := h.RedisConnected
		r.RedisConnected = &ok
		r.RedisLatencyMs = h.RedisLatencyMs
	}

	code := http.StatusOK
	switch {
	case h.StreamFatal || !h.SQLiteOK:
		r.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case h.StreamState != "connected" || (h.RedisEnabled && !h.RedisConnected):
		r.Status = "degraded"
	}
	return r, code
}

// ServeHTTP handles the health endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}
