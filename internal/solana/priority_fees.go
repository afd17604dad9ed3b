package solana

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Priority fee estimation from getRecentPrioritizationFees
// ---------------------------------------------------------------------------

const (
	// MaxPriorityFeeLamports caps any estimate (0.05 SOL).
	MaxPriorityFeeLamports = 50_000_000

	// DefaultPriorityFeeLamports is used until the first successful refresh.
	DefaultPriorityFeeLamports = 10_000

	// FeeRefreshInterval is the suggested refresh period.
	FeeRefreshInterval = 15 * time.Second
)

// CongestionLevel selects how aggressive an estimate is.
type CongestionLevel int

const (
	CongestionNormal CongestionLevel = iota
	CongestionHigh                   // competitive entries such as snipes
)

// FeeConfig tunes the estimator. Zero fields take defaults.
type FeeConfig struct {
	Ceiling            uint64
	Fallback           uint64
	ElevatedMultiplier uint64
	// Window is the number of refreshes whose p75 values are smoothed.
	Window int
}

func (c FeeConfig) withDefaults() FeeConfig {
	if c.Ceiling == 0 {
		c.Ceiling = MaxPriorityFeeLamports
	}
	if c.Fallback == 0 {
		c.Fallback = DefaultPriorityFeeLamports
	}
	if c.ElevatedMultiplier == 0 {
		c.ElevatedMultiplier = 2
	}
	if c.Window <= 0 {
		c.Window = 4
	}
	return c
}

// FeeSource is the RPC call the estimator samples.
type FeeSource interface {
	GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

// PriorityFeeEstimator keeps the recent fee distribution. Normal entries pay the
// smoothed p75, competitive ones a multiple of it, both under the ceiling.
type PriorityFeeEstimator struct {
	source FeeSource
	config FeeConfig

	mu        sync.RWMutex
	p50       uint64
	p90       uint64
	history   []uint64 // p75 per refresh, oldest first
	samples   int
	lastFetch time.Time

	refreshes atomic.Int64
	failures  atomic.Int64
}

func NewPriorityFeeEstimator(source FeeSource, config FeeConfig) *PriorityFeeEstimator {
	return &PriorityFeeEstimator{source: source, config: config.withDefaults()}
}

// Refresh samples recent slots once. A failed or empty sample keeps the
// previous estimate.
func (e *PriorityFeeEstimator) Refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	values, err := e.source.GetRecentPrioritizationFees(fetchCtx)
	if err != nil {
		e.failures.Add(1)
		return fmt.Errorf("priority_fees: fetch: %w", err)
	}
	e.refreshes.Add(1)
	if len(values) == 0 {
		return nil
	}
	slices.Sort(values)
	p50, p75, p90 := percentile(values, 50), percentile(values, 75), percentile(values, 90)

	e.mu.Lock()
	e.p50, e.p90 = p50, p90
	e.history = append(e.history, p75)
	if len(e.history) > e.config.Window {
		e.history = e.history[len(e.history)-e.config.Window:]
	}
	e.samples = len(values)
	e.lastFetch = time.Now()
	e.mu.Unlock()

	log.Debug().Uint64("p50", p50).Uint64("p75", p75).Uint64("p90", p90).
		Int("samples", len(values)).Msg("priority_fees: updated")
	return nil
}

// EstimateFee returns the fee in lamports for the given level.
func (e *PriorityFeeEstimator) EstimateFee(level CongestionLevel) uint64 {
	e.mu.RLock()
	base := median(e.history)
	e.mu.RUnlock()

	if base == 0 {
		return min(e.config.Fallback, e.config.Ceiling)
	}
	fee := base
	if level == CongestionHigh {
		fee = base * e.config.ElevatedMultiplier
	}
	return min(fee, e.config.Ceiling)
}

// Congested reports whether the latest p75 is more than twice the smoothed one.
func (e *PriorityFeeEstimator) Congested() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.history) < 2 {
		return false
	}
	return e.history[len(e.history)-1] > 2*median(e.history[:len(e.history)-1])
}

type FeeStats struct {
	P50Lamports uint64    `json:"p50_lamports"`
	P75Lamports uint64    `json:"p75_lamports"`
	P90Lamports uint64    `json:"p90_lamports"`
	SmoothedP75 uint64    `json:"smoothed_p75_lamports"`
	Samples     int       `json:"samples"`
	Refreshes   int64     `json:"refreshes"`
	Failures    int64     `json:"failures"`
	Congested   bool      `json:"congested"`
	LastFetch   time.Time `json:"last_fetch"`
}

func (e *PriorityFeeEstimator) Stats() FeeStats {
	congested := e.Congested()
	e.mu.RLock()
	defer e.mu.RUnlock()
	var last uint64
	if n := len(e.history); n > 0 {
		last = e.history[n-1]
	}
	return FeeStats{
		P50Lamports: e.p50,
		P75Lamports: last,
		P90Lamports: e.p90,
		SmoothedP75: median(e.history),
		Samples:     e.samples,
		Refreshes:   e.refreshes.Load(),
		Failures:    e.failures.Load(),
		Congested:   congested,
		LastFetch:   e.lastFetch,
	}
}

// percentile returns the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// median of an unsorted slice; the upper middle for even lengths.
func median(values []uint64) uint64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
