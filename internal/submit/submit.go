// Package submit races a signed transaction across several RPC endpoints
// and an optional bundle relay, returning the first positive acknowledgement.
package submit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/solana"
)

const (
	defaultTimeoutOnAll = 1200 * time.Millisecond
	defaultSimTimeout   = 350 * time.Millisecond
	defaultWindow       = 50

	// RelayName identifies the bundle relay in Result.Winner.
	RelayName = "bundle_relay"
)

// Sender sends a signed transaction to one endpoint.
type Sender interface {
	SendTransaction(ctx context.Context, txBase64 string) (string, error)
}

// Simulator runs a quick preflight simulation.
type Simulator interface {
	SimulateTransaction(ctx context.Context, txBase64 string) (*solana.SimulationResult, error)
}

// Endpoint is one named submission target.
type Endpoint struct {
	Name   string
	Sender Sender
}

// RelayFunc submits the transaction through a bundle relay and returns the bundle id.
type RelayFunc func(ctx context.Context, txBase64 string) (string, error)

// Config configures the submitter.
type Config struct {
	TimeoutOnAll  time.Duration
	SimTimeout    time.Duration
	TopK          int
	LatencyWindow int
}

// Options control a single submission.
type Options struct {
	Simulate     bool
	TimeoutOnAll time.Duration
	TopK         int
	UseRelay     bool
}

// Result is the outcome of a race.
type Result struct {
	Success   bool   `json:"success"`
	Winner    string `json:"winner,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Signature string `json:"signature,omitempty"`
	BundleID  string `json:"bundle_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrNoEndpoints is returned when nothing is configured to submit to.
var ErrNoEndpoints = errors.New("submit: no endpoints configured")

// Submitter is the parallel fast-path submitter.
type Submitter struct {
	config    Config
	endpoints []Endpoint
	relay     RelayFunc
	sim       Simulator

	lat map[string]*latencyRing

	submissions atomic.Int64
	wins        atomic.Int64
	failures    atomic.Int64
	simRejects  atomic.Int64

	winsMu   sync.Mutex
	winsByEP map[string]int64
}

// New creates a submitter. The first endpoint also serves simulations when its
// sender implements Simulator. relay may be nil.
func New(config Config, endpoints []Endpoint, relay RelayFunc) *Submitter {
	if config.TimeoutOnAll == 0 {
		config.TimeoutOnAll = defaultTimeoutOnAll
	}
	if config.SimTimeout == 0 {
		config.SimTimeout = defaultSimTimeout
	}
	if config.LatencyWindow <= 0 {
		config.LatencyWindow = defaultWindow
	}
	if config.TopK <= 0 {
		config.TopK = len(endpoints)
	}

	s := &Submitter{
		config:    config,
		endpoints: endpoints,
		relay:     relay,
		lat:       make(map[string]*latencyRing, len(endpoints)),
		winsByEP:  make(map[string]int64),
	}
	for _, ep := range endpoints {
		s.lat[ep.Name] = newLatencyRing(config.LatencyWindow)
	}
	if len(endpoints) > 0 {
		if sim, ok := endpoints[0].Sender.(Simulator); ok {
			s.sim = sim
		}
	}
	return s
}

type attempt struct {
	name      string
	signature string
	bundleID  string
	err       error
}

// Submit races txBase64 across the K fastest endpoints and the relay.
// The first positive acknowledgement wins and cancels the rest.
func (s *Submitter) Submit(ctx context.Context, txBase64 string, opts Options) Result {
	start := time.Now()
	s.submissions.Add(1)

	if len(s.endpoints) == 0 && (s.relay == nil || !opts.UseRelay) {
		s.failures.Add(1)
		return Result{Reason: ErrNoEndpoints.Error()}
	}

	if opts.Simulate && s.sim != nil {
		if reason, ok := s.simulate(ctx, txBase64); !ok {
			s.simRejects.Add(1)
			s.failures.Add(1)
			return Result{Reason: reason, LatencyMs: time.Since(start).Milliseconds()}
		}
	}

	timeout := opts.TimeoutOnAll
	if timeout <= 0 {
		timeout = s.config.TimeoutOnAll
	}
	k := opts.TopK
	if k <= 0 {
		k = s.config.TopK
	}

	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	targets := s.fastest(k)
	results := make(chan attempt, len(targets)+1)

	for _, ep := range targets {
		go func(ep Endpoint) {
			t0 := time.Now()
			sig, err := ep.Sender.SendTransaction(raceCtx, txBase64)
			if err == nil {
				s.lat[ep.Name].add(time.Since(t0))
			}
			results <- attempt{name: ep.Name, signature: sig, err: err}
		}(ep)
	}
	n := len(targets)
	if opts.UseRelay && s.relay != nil {
		n++
		go func() {
			id, err := s.relay(raceCtx, txBase64)
			if err == nil && id == "" {
				err = fmt.Errorf("relay returned no bundle id")
			}
			results <- attempt{name: RelayName, bundleID: id, err: err}
		}()
	}

	var lastErr error
	for i := 0; i < n; i++ {
		select {
		case a := <-results:
			if a.err != nil {
				lastErr = a.err
				log.Debug().Err(a.err).Str("endpoint", a.name).Msg("submit: endpoint rejected")
				continue
			}
			s.recordWin(a.name)
			res := Result{
				Success:   true,
				Winner:    a.name,
				Signature: a.signature,
				BundleID:  a.bundleID,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			log.Debug().
				Str("winner", a.name).
				Int64("latency_ms", res.LatencyMs).
				Int("raced", n).
				Msg("submit: race won")
			return res
		case <-raceCtx.Done():
			s.failures.Add(1)
			return Result{Reason: "timeout", LatencyMs: time.Since(start).Milliseconds()}
		}
	}

	s.failures.Add(1)
	reason := "all endpoints failed"
	if lastErr != nil {
		reason = fmt.Sprintf("%s: %v", reason, lastErr)
	}
	return Result{Reason: reason, LatencyMs: time.Since(start).Milliseconds()}
}

// SendSigned adapts Submit to the swap client's sender hook.
func (s *Submitter) SendSigned(ctx context.Context, txBase64 string) (string, error) {
	res := s.Submit(ctx, txBase64, Options{})
	if !res.Success {
		return "", fmt.Errorf("submit: %s", res.Reason)
	}
	if res.Signature == "" {
		return res.BundleID, nil
	}
	return res.Signature, nil
}

func (s *Submitter) simulate(ctx context.Context, tx string) (string, bool) {
	simCtx, cancel := context.WithTimeout(ctx, s.config.SimTimeout)
	defer cancel()
	res, err := s.sim.SimulateTransaction(simCtx, tx)
	if err != nil {
		log.Warn().Err(err).Dur("timeout", s.config.SimTimeout).Msg("submit: simulation unavailable")
		return "simulation_failed", false
	}
	if res.Failed() {
		return "simulation_failed", false
	}
	return "", true
}

// fastest returns up to k endpoints ordered by rolling median latency.
// Endpoints without samples sort first so they get measured.
func (s *Submitter) fastest(k int) []Endpoint {
	type ranked struct {
		ep     Endpoint
		median time.Duration
		seen   bool
	}
	rs := make([]ranked, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		m, ok := s.lat[ep.Name].median()
		rs = append(rs, ranked{ep: ep, median: m, seen: ok})
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].seen != rs[j].seen {
			return !rs[i].seen
		}
		return rs[i].median < rs[j].median
	})
	if k > len(rs) {
		k = len(rs)
	}
	out := make([]Endpoint, 0, k)
	for _, r := range rs[:k] {
		out = append(out, r.ep)
	}
	return out
}

func (s *Submitter) recordWin(name string) {
	s.wins.Add(1)
	s.winsMu.Lock()
	s.winsByEP[name]++
	s.winsMu.Unlock()
}

// MedianLatency returns the rolling median for an endpoint.
func (s *Submitter) MedianLatency(name string) (time.Duration, bool) {
	r, ok := s.lat[name]
	if !ok {
		return 0, false
	}
	return r.median()
}

// SubmitterStats returns submitter statistics.
type SubmitterStats struct {
	Submissions   int64            `json:"submissions"`
	Wins          int64            `json:"wins"`
	Failures      int64            `json:"failures"`
	SimRejects    int64            `json:"sim_rejects"`
	WinsByWinner  map[string]int64 `json:"wins_by_winner"`
	MedianLatency map[string]int64 `json:"median_latency_ms"`
}

func (s *Submitter) Stats() SubmitterStats {
	s.winsMu.Lock()
	wins := make(map[string]int64, len(s.winsByEP))
	for k, v := range s.winsByEP {
		wins[k] = v
	}
	s.winsMu.Unlock()

	med := make(map[string]int64, len(s.lat))
	for name, r := range s.lat {
		if m, ok := r.median(); ok {
			med[name] = m.Milliseconds()
		}
	}
	return SubmitterStats{
		Submissions:   s.submissions.Load(),
		Wins:          s.wins.Load(),
		Failures:      s.failures.Load(),
		SimRejects:    s.simRejects.Load(),
		WinsByWinner:  wins,
		MedianLatency: med,
	}
}

// ---------------------------------------------------------------------------
// Latency ring
// ---------------------------------------------------------------------------

type latencyRing struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{samples: make([]time.Duration, size)}
}

func (r *latencyRing) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *latencyRing) median() (time.Duration, bool) {
	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		r.mu.Unlock()
		return 0, false
	}
	cp := make([]time.Duration, n)
	copy(cp, r.samples[:n])
	r.mu.Unlock()

	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	return cp[n/2], true
}
