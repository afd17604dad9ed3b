// Package copytrade watches tracked smart wallets and turns their fresh buys
// into aggregated copy-trade opportunities.
package copytrade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/queue"
	"github.com/nexus-trading/tradecore/internal/solana"
	"github.com/nexus-trading/tradecore/internal/storage"
)

// ScoreSource supplies current wallet scores.
type ScoreSource interface {
	WalletScore(address string) (float64, bool)
}

// Scanner polls the tracked wallets' recent signatures once per tick.
// ScanOnce is the only writer of the cursors and must not run concurrently.
type Scanner struct {
	config     config.CopyTradeConfig
	rpc        solana.RPCClient
	store      storage.WalletStore
	scores     ScoreSource
	classifier *Classifier
	tracker    *Tracker
	out        *queue.DropOldest[domain.Opportunity]
	now        func() time.Time

	cursors map[string]string

	recentMu sync.RWMutex
	recent   []domain.Opportunity

	scans      atomic.Int64
	sigsSeen   atomic.Int64
	stale      atomic.Int64
	buys       atomic.Int64
	fetchErrs  atomic.Int64
	parseErrs  atomic.Int64
	numCursors atomic.Int64
}

// NewScanner creates the scanner. scores and indexer may be nil.
func NewScanner(cfg config.CopyTradeConfig, rpc solana.RPCClient, store storage.WalletStore, scores ScoreSource, indexer Indexer) *Scanner {
	if cfg.SignaturesPer <= 0 {
		cfg.SignaturesPer = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxSignatureAge <= 0 {
		cfg.MaxSignatureAge = 5 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	return &Scanner{
		config:     cfg,
		rpc:        rpc,
		store:      store,
		scores:     scores,
		classifier: NewClassifier(rpc, indexer, cfg.ParseCacheTTL),
		tracker:    NewTracker(),
		out:        queue.New[domain.Opportunity](cfg.QueueSize),
		now:        time.Now,
		cursors:    make(map[string]string),
	}
}

// Interval is the configured tick period.
func (s *Scanner) Interval() time.Duration { return s.config.ScanInterval }

// Opportunities is the outbound queue. Consumers apply their own confidence threshold.
func (s *Scanner) Opportunities() <-chan domain.Opportunity { return s.out.C() }

// ScanOnce runs one tick: scan every tracked wallet, aggregate, emit.
func (s *Scanner) ScanOnce(ctx context.Context) ([]domain.Opportunity, error) {
	s.scans.Add(1)
	rows, err := s.store.ListAllTrackedWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("copytrade: list wallets: %w", err)
	}

	stored := make(map[string]float64)
	var addrs []string
	for _, w := range rows {
		prev, ok := stored[w.Address]
		if !ok {
			addrs = append(addrs, w.Address)
		}
		if !ok || w.Score > prev {
			stored[w.Address] = w.Score
		}
	}

	for start := 0; start < len(addrs); start += s.config.BatchSize {
		if start > 0 && s.config.BatchPause > 0 {
			select {
			case <-time.After(s.config.BatchPause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		end := min(start+s.config.BatchSize, len(addrs))
		for _, addr := range addrs[start:end] {
			s.scanWallet(ctx, addr, stored[addr])
		}
	}

	opps := s.tracker.Flush()
	now := s.now()
	for _, o := range opps {
		if s.out.Push(o) {
			log.Warn().Str("mint", o.TokenMint).Msg("copytrade: opportunity queue full, dropped oldest")
		}
		log.Info().
			Str("mint", o.TokenMint).
			Int("wallets", o.Count).
			Float64("avg_score", o.AvgScore).
			Float64("confidence", o.Confidence).
			Dur("age", opportunityAge(o, now)).
			Msg("copytrade: opportunity")
	}

	s.recentMu.Lock()
	s.recent = opps
	s.recentMu.Unlock()
	return opps, nil
}

func (s *Scanner) scanWallet(ctx context.Context, addr string, storedScore float64) {
	cursor, primed := s.cursors[addr]
	sigs, err := s.rpc.GetSignaturesForAddress(ctx, addr, solana.SignatureOpts{Limit: s.config.SignaturesPer, Until: cursor})
	if err != nil {
		s.fetchErrs.Add(1)
		log.Debug().Err(err).Str("wallet", addr).Msg("copytrade: signature fetch failed")
		return
	}
	if len(sigs) == 0 {
		return
	}
	if !primed {
		s.numCursors.Add(1)
	}
	s.cursors[addr] = sigs[0].Signature
	if !primed {
		// No historical replay.
		return
	}

	cutoff := s.now().Add(-s.config.MaxSignatureAge)
	for _, sig := range sigs {
		if sig.Failed {
			continue
		}
		s.sigsSeen.Add(1)
		if sig.BlockTime != nil && sig.BlockTime.Before(cutoff) {
			s.stale.Add(1)
			continue
		}
		c, err := s.classifier.Classify(ctx, sig.Signature, addr)
		if err != nil {
			s.parseErrs.Add(1)
			log.Debug().Err(err).Str("signature", sig.Signature).Msg("copytrade: classify failed")
			continue
		}
		if !c.Buy {
			continue
		}
		seen := s.now()
		if sig.BlockTime != nil {
			seen = *sig.BlockTime
		} else if !c.Time.IsZero() {
			if c.Time.Before(cutoff) {
				s.stale.Add(1)
				continue
			}
			seen = c.Time
		}
		s.buys.Add(1)
		s.tracker.Record(domain.CopySignal{
			WalletAddress: addr,
			WalletScore:   s.walletScore(addr, storedScore),
			TokenMint:     c.Mint,
			Signature:     sig.Signature,
			FirstSeen:     seen,
			BuySell:       "buy",
		})
	}
}

func (s *Scanner) walletScore(addr string, stored float64) float64 {
	if s.scores != nil {
		if v, ok := s.scores.WalletScore(addr); ok {
			return v
		}
	}
	return stored
}

// Recent returns the opportunities of the last tick.
func (s *Scanner) Recent() []domain.Opportunity {
	s.recentMu.RLock()
	defer s.recentMu.RUnlock()
	return append([]domain.Opportunity(nil), s.recent...)
}

// ScannerStats returns scanner counters.
type ScannerStats struct {
	Scans          int64           `json:"scans"`
	Cursors        int64           `json:"cursors"`
	SignaturesSeen int64           `json:"signatures_seen"`
	Stale          int64           `json:"stale"`
	Buys           int64           `json:"buys"`
	FetchErrors    int64           `json:"fetch_errors"`
	ParseErrors    int64           `json:"parse_errors"`
	QueueDropped   int64           `json:"queue_dropped"`
	Classifier     ClassifierStats `json:"classifier"`
	Tracker        TrackerStats    `json:"tracker"`
}

func (s *Scanner) Stats() ScannerStats {
	_, dropped := s.out.Stats()
	return ScannerStats{
		Scans:          s.scans.Load(),
		Cursors:        s.numCursors.Load(),
		SignaturesSeen: s.sigsSeen.Load(),
		Stale:          s.stale.Load(),
		Buys:           s.buys.Load(),
		FetchErrors:    s.fetchErrs.Load(),
		ParseErrors:    s.parseErrs.Load(),
		QueueDropped:   dropped,
		Classifier:     s.classifier.Stats(),
		Tracker:        s.tracker.Stats(),
	}
}
