package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck probes one dependency (database, RPC node, broker).
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	LatencyMs   int64           `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate health of the process.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	UptimeSec  int64                      `json:"uptime_sec"`
}

// HealthMonitor combines polled dependency checks with states pushed by the
// supervisor (loops that escalated are reported degraded).
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	reported  map[string]ComponentHealth
	startTime time.Time
	interval  time.Duration
	checkTO   time.Duration
}

// NewHealthMonitor creates a monitor that polls checks every interval.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		reported:  make(map[string]ComponentHealth),
		startTime: time.Now(),
		interval:  interval,
		checkTO:   5 * time.Second,
	}
}

// Register adds a named dependency check.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// SetStatus records a pushed component state.
func (m *HealthMonitor) SetStatus(name string, status ComponentStatus, message string) {
	m.mu.Lock()
	prev, existed := m.reported[name]
	m.reported[name] = ComponentHealth{Name: name, Status: status, Message: message, LastChecked: time.Now()}
	m.mu.Unlock()
	if !existed || prev.Status != status {
		logTransition(name, status, message)
	}
}

// Run polls the checks until ctx ends.
func (m *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Check runs all checks synchronously and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.Snapshot()
}

// ComponentStatus returns the latest state of a component.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.reported[name]; ok {
		return h, true
	}
	h, ok := m.results[name]
	return h, ok
}

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := m.checks
	m.mu.RUnlock()
	sort.Strings(names)

	fresh := make(map[string]ComponentHealth, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.checkTO)
		start := time.Now()
		m.mu.RLock()
		fn := checks[name]
		m.mu.RUnlock()
		h := fn(cctx)
		cancel()
		h.Name = name
		h.LastChecked = time.Now()
		h.LatencyMs = time.Since(start).Milliseconds()
		fresh[name] = h
	}

	m.mu.Lock()
	old := m.results
	m.results = fresh
	m.mu.Unlock()

	for name, cur := range fresh {
		if prev, ok := old[name]; !ok || prev.Status != cur.Status {
			logTransition(name, cur.Status, cur.Message)
		}
	}
}

// Snapshot aggregates the latest results; the worst component wins.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results)+len(m.reported))
	worst := StatusHealthy
	for _, set := range []map[string]ComponentHealth{m.results, m.reported} {
		for name, h := range set {
			components[name] = h
			if severity(h.Status) > severity(worst) {
				worst = h.Status
			}
		}
	}
	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		UptimeSec:  int64(time.Since(m.startTime).Seconds()),
	}
}

// ServeHTTP writes the snapshot as JSON; unhealthy answers 503.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	snap := m.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if snap.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(snap)
}

// PingCheck adapts a ping function into a HealthCheck.
func PingCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

func logTransition(name string, status ComponentStatus, message string) {
	ev := log.Info()
	switch status {
	case StatusUnhealthy:
		ev = log.Error()
	case StatusDegraded:
		ev = log.Warn()
	}
	ev.Str("component", name).Str("status", string(status)).Str("message", message).Msg("health: status changed")
}

func severity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
