package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_LoopCounters(t *testing.T) {
	m := NewMetrics("test")
	m.LoopFailed("copytrade")
	m.LoopFailed("copytrade")
	m.LoopEscalated("copytrade")
	m.ServiceRestarted("discovery")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoopFailures.WithLabelValues("copytrade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoopEscalations.WithLabelValues("copytrade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoopRestarts.WithLabelValues("discovery")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LoopFailed("x")
		m.LoopEscalated("x")
		m.ObserveTick("x", 1)
		m.SetPaused(true)
		m.CounterFunc("a", "b", "c", func() float64 { return 1 })
	})
}

func TestMetrics_HandlerExposesFuncs(t *testing.T) {
	m := NewMetrics("tc")
	buys := 3.0
	m.CounterFunc("executor", "buys_total", "Buys executed", func() float64 { return buys })
	m.GaugeFunc("sniper", "active_watches", "Manual watches running", func() float64 { return 2 })
	m.LabeledCounterFunc("risk", "denials_total", "Buys denied per gate", "gate", func() map[string]int64 {
		return map[string]int64{"balance": 4, "honeypot": 1}
	})
	m.SetPaused(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, "tc_executor_buys_total 3")
	assert.Contains(t, body, "tc_sniper_active_watches 2")
	assert.Contains(t, body, `tc_risk_denials_total{gate="balance"} 4`)
	assert.Contains(t, body, "tc_entries_paused 1")
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
