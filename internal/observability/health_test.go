package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_RegisterAndCheck(t *testing.T) {
	mon := NewHealthMonitor(time.Second)

	mon.Register("postgres", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusHealthy, Message: "connected"}
	})
	mon.Register("rpc", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusHealthy}
	})

	health := mon.Check(context.Background())
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Len(t, health.Components, 2)

	db, ok := health.Components["postgres"]
	require.True(t, ok)
	assert.Equal(t, "postgres", db.Name)
	assert.Equal(t, "connected", db.Message)
	assert.False(t, db.LastChecked.IsZero())

	comp, ok := mon.ComponentStatus("postgres")
	assert.True(t, ok)
	assert.Equal(t, StatusHealthy, comp.Status)

	_, ok = mon.ComponentStatus("nonexistent")
	assert.False(t, ok)
}

func TestHealthMonitor_AggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []ComponentStatus
		expected ComponentStatus
	}{
		{"all healthy", []ComponentStatus{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []ComponentStatus{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []ComponentStatus{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := NewHealthMonitor(time.Minute)
			for i, s := range tt.statuses {
				status := s
				mon.Register(string(rune('a'+i)), func(context.Context) ComponentHealth {
					return ComponentHealth{Status: status}
				})
			}
			assert.Equal(t, tt.expected, mon.Check(context.Background()).Status)
		})
	}
}

func TestHealthMonitor_ReportedStatusDegrades(t *testing.T) {
	mon := NewHealthMonitor(time.Minute)
	mon.Register("postgres", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusHealthy} })

	mon.SetStatus("loop:copytrade", StatusDegraded, "3 consecutive failures")
	snap := mon.Check(context.Background())
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Equal(t, "3 consecutive failures", snap.Components["loop:copytrade"].Message)

	mon.SetStatus("loop:copytrade", StatusHealthy, "")
	assert.Equal(t, StatusHealthy, mon.Snapshot().Status)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := PingCheck(func(context.Context) error { return errors.New("refused") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "refused", bad.Message)
}

func TestHealthMonitor_ServeHTTP(t *testing.T) {
	mon := NewHealthMonitor(time.Minute)
	mon.Register("postgres", PingCheck(func(context.Context) error { return errors.New("down") }))
	mon.Check(context.Background())

	rec := httptest.NewRecorder()
	mon.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
}

func TestHealthMonitor_RunStopsOnCancel(t *testing.T) {
	mon := NewHealthMonitor(10 * time.Millisecond)
	calls := make(chan struct{}, 100)
	mon.Register("rpc", func(context.Context) ComponentHealth {
		calls <- struct{}{}
		return ComponentHealth{Status: StatusHealthy}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mon.Run(ctx), context.DeadlineExceeded)
	assert.GreaterOrEqual(t, len(calls), 2)
}
