// Package liquidity classifies how a pool's liquidity moves between polls.
// Readings are absolute USD depths; the tracker turns consecutive readings
// into signed flows and compares a short window against a long one.
package liquidity

import (
	"sync"
	"time"
)

// Direction is the net flow over the short window.
type Direction int

const (
	Stable Direction = iota
	Inflow
	Outflow
)

func (d Direction) String() string {
	switch d {
	case Inflow:
		return "INFLOW"
	case Outflow:
		return "OUTFLOW"
	default:
		return "STABLE"
	}
}

// Pattern classifies a series.
type Pattern string

const (
	PatternNormal Pattern = "NORMAL"
	PatternGrowth Pattern = "GROWTH"
	// PatternBleed is a steady outflow.
	PatternBleed Pattern = "BLEED"
	// PatternDrain is an accelerating or outsized outflow: a rug precursor.
	PatternDrain Pattern = "DRAIN"
)

// Trend is the classification of one series.
type Trend struct {
	Key          string    `json:"key"`
	LiquidityUSD float64   `json:"liquidity_usd"`
	PeakUSD      float64   `json:"peak_usd"`
	NetShort     float64   `json:"net_short"`
	NetLong      float64   `json:"net_long"`
	Direction    Direction `json:"direction"`
	Accelerating bool      `json:"accelerating"`
	Samples      int       `json:"samples"`
	Pattern      Pattern   `json:"pattern"`
}

// Draining reports whether the series looks like liquidity is being pulled.
func (t Trend) Draining() bool { return t.Pattern == PatternDrain }

// Config tunes the classifier.
type Config struct {
	ShortWindow time.Duration
	LongWindow  time.Duration
	// StableUSD is the net short-window flow below which the series is STABLE.
	StableUSD float64
	// DrainFraction of the observed peak lost inside the short window is a
	// drain regardless of acceleration.
	DrainFraction float64
	MaxSamples    int
}

// DefaultConfig returns a classifier tuned for one-second polling.
func DefaultConfig() Config {
	return Config{
		ShortWindow:   time.Minute,
		LongWindow:    5 * time.Minute,
		StableUSD:     500,
		DrainFraction: 0.30,
		MaxSamples:    600,
	}
}

type flow struct {
	usd float64 // signed
	at  time.Time
}

type series struct {
	last  float64
	peak  float64
	flows []flow
}

// Tracker keeps one series per key. Safe for concurrent use.
type Tracker struct {
	config Config
	now    func() time.Time

	mu     sync.Mutex
	series map[string]*series
}

// NewTracker creates a tracker. Zero config fields take the defaults.
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.ShortWindow <= 0 {
		config.ShortWindow = def.ShortWindow
	}
	if config.LongWindow <= config.ShortWindow {
		config.LongWindow = 5 * config.ShortWindow
	}
	if config.StableUSD <= 0 {
		config.StableUSD = def.StableUSD
	}
	if config.DrainFraction <= 0 {
		config.DrainFraction = def.DrainFraction
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = def.MaxSamples
	}
	return &Tracker{config: config, now: time.Now, series: make(map[string]*series)}
}

// Observe records a liquidity reading for key and returns the updated trend.
// The first reading only sets the baseline.
func (t *Tracker) Observe(key string, usd float64) Trend {
	now := t.now()
	t.mu.Lock()
	s, ok := t.series[key]
	if !ok {
		s = &series{last: usd, peak: usd}
		t.series[key] = s
	} else {
		if len(s.flows) >= t.config.MaxSamples {
			s.flows = s.flows[1:]
		}
		s.flows = append(s.flows, flow{usd: usd - s.last, at: now})
		s.last = usd
		if usd > s.peak {
			s.peak = usd
		}
	}
	flows := append([]flow(nil), s.flows...)
	last, peak := s.last, s.peak
	t.mu.Unlock()

	return t.classify(key, last, peak, flows, now)
}

// Trend returns the current classification for key.
func (t *Tracker) Trend(key string) (Trend, bool) {
	t.mu.Lock()
	s, ok := t.series[key]
	if !ok {
		t.mu.Unlock()
		return Trend{}, false
	}
	flows := append([]flow(nil), s.flows...)
	last, peak := s.last, s.peak
	t.mu.Unlock()
	return t.classify(key, last, peak, flows, t.now()), true
}

// Forget drops the series for key.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	delete(t.series, key)
	t.mu.Unlock()
}

func (t *Tracker) classify(key string, last, peak float64, flows []flow, now time.Time) Trend {
	tr := Trend{Key: key, LiquidityUSD: last, PeakUSD: peak, Samples: len(flows), Pattern: PatternNormal}
	if len(flows) == 0 {
		return tr
	}
	shortCut := now.Add(-t.config.ShortWindow)
	longCut := now.Add(-t.config.LongWindow)
	for _, f := range flows {
		if f.at.After(longCut) {
			tr.NetLong += f.usd
		}
		if f.at.After(shortCut) {
			tr.NetShort += f.usd
		}
	}

	switch {
	case tr.NetShort > t.config.StableUSD:
		tr.Direction = Inflow
	case tr.NetShort < -t.config.StableUSD:
		tr.Direction = Outflow
	}

	// Per-minute rates; the short window accelerates when it runs 1.5x the long one.
	shortRate := abs(tr.NetShort) / t.config.ShortWindow.Minutes()
	longRate := abs(tr.NetLong) / t.config.LongWindow.Minutes()
	tr.Accelerating = shortRate > 1.5*longRate && shortRate > t.config.StableUSD/t.config.ShortWindow.Minutes()

	switch {
	case tr.Direction == Outflow && (tr.Accelerating || (peak > 0 && -tr.NetShort >= t.config.DrainFraction*peak)):
		tr.Pattern = PatternDrain
	case tr.Direction == Outflow:
		tr.Pattern = PatternBleed
	case tr.Direction == Inflow:
		tr.Pattern = PatternGrowth
	}
	return tr
}

// Stats is a snapshot of tracker state.
type Stats struct {
	Tracked int `json:"tracked"`
	Samples int `json:"samples"`
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.series {
		n += len(s.flows)
	}
	return Stats{Tracked: len(t.series), Samples: n}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
