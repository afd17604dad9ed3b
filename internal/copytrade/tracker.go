package copytrade

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/domain"
)

// ---------------------------------------------------------------------------
// Copy-signal aggregation
// Buys observed within one scan tick are grouped per mint into an Opportunity.
// ---------------------------------------------------------------------------

// Confidence of an opportunity backed by count wallets with the given mean score.
func Confidence(count int, avgScore float64) float64 {
	c := 0.5 + math.Min(float64(count)*0.1, 0.3)
	switch {
	case avgScore > 75:
		c += 0.2
	case avgScore > 60:
		c += 0.1
	}
	return c
}

type pending struct {
	signals []domain.CopySignal
	wallets map[string]float64
	order   []string
}

// Tracker accumulates copy signals for the current tick.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pending
	mints   []string

	recorded int64
	flushed  int64
}

func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*pending)}
}

// Record adds a buy signal. A wallet counts once per mint per tick.
func (t *Tracker) Record(sig domain.CopySignal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[sig.TokenMint]
	if !ok {
		p = &pending{wallets: make(map[string]float64)}
		t.pending[sig.TokenMint] = p
		t.mints = append(t.mints, sig.TokenMint)
	}
	p.signals = append(p.signals, sig)
	if _, seen := p.wallets[sig.WalletAddress]; !seen {
		p.wallets[sig.WalletAddress] = sig.WalletScore
		p.order = append(p.order, sig.WalletAddress)
	}
	t.recorded++

	log.Debug().
		Str("wallet", sig.WalletAddress).
		Str("mint", sig.TokenMint).
		Float64("wallet_score", sig.WalletScore).
		Int("wallets", len(p.wallets)).
		Msg("copytrade: signal recorded")
}

// Flush turns the pending signals into opportunities, highest confidence
// first, and starts a new tick.
func (t *Tracker) Flush() []domain.Opportunity {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Opportunity, 0, len(t.mints))
	for _, mint := range t.mints {
		p := t.pending[mint]
		var sum float64
		for _, w := range p.order {
			sum += p.wallets[w]
		}
		avg := sum / float64(len(p.order))
		first := p.signals[0].FirstSeen
		for _, s := range p.signals[1:] {
			if s.FirstSeen.Before(first) {
				first = s.FirstSeen
			}
		}
		out = append(out, domain.Opportunity{
			TokenMint:            mint,
			Count:                len(p.order),
			ParticipatingWallets: append([]string(nil), p.order...),
			AvgScore:             avg,
			Confidence:           Confidence(len(p.order), avg),
			FirstSeen:            first,
			Signals:              p.signals,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })

	t.pending = make(map[string]*pending)
	t.mints = nil
	t.flushed += int64(len(out))
	return out
}

// TrackerStats returns aggregation counters.
type TrackerStats struct {
	PendingMints       int   `json:"pending_mints"`
	SignalsRecorded    int64 `json:"signals_recorded"`
	OpportunitiesBuilt int64 `json:"opportunities_built"`
}

func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		PendingMints:       len(t.mints),
		SignalsRecorded:    t.recorded,
		OpportunitiesBuilt: t.flushed,
	}
}

// opportunityAge is used when logging how stale a flushed opportunity is.
func opportunityAge(o domain.Opportunity, now time.Time) time.Duration {
	if o.FirstSeen.IsZero() {
		return 0
	}
	return now.Sub(o.FirstSeen)
}
