// Package walletintel scores wallets from their on-chain swap history.
package walletintel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/solana"
	"github.com/nexus-trading/tradecore/internal/storage"
)

const signaturePage = 1000

// Ranking is one entry of the leaderboard.
type Ranking struct {
	Address string     `json:"address"`
	Score   float64    `json:"score"`
	Tier    WalletTier `json:"tier"`
	Trades  int        `json:"trades"`
	WinRate float64    `json:"win_rate"`
}

// Analyzer fetches wallet history, aggregates metrics and keeps rankings.
type Analyzer struct {
	config  config.WalletIntelConfig
	rpc     solana.RPCClient
	store   storage.WalletStore
	limiter *rate.Limiter

	mu       sync.RWMutex
	metrics  map[string]domain.WalletMetrics
	rankings []Ranking

	analyses     atomic.Int64
	txFetched    atomic.Int64
	txFailed     atomic.Int64
	lastRefresh  atomic.Int64
	refreshCount atomic.Int64
}

// New creates an Analyzer. store may be nil when scores need not be persisted.
func New(cfg config.WalletIntelConfig, rpc solana.RPCClient, store storage.WalletStore) *Analyzer {
	if cfg.MaxSignatures <= 0 {
		cfg.MaxSignatures = 1000
	}
	if cfg.Weights.Sum() == 0 {
		cfg.Weights = config.WalletScoreWeights{WinRate: 30, ProfitFactor: 25, Consistency: 20, Recent: 15, Volume: 10}
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	return &Analyzer{
		config:  cfg,
		rpc:     rpc,
		store:   store,
		limiter: rate.NewLimiter(limit, 1),
		metrics: make(map[string]domain.WalletMetrics),
	}
}

// Analyze fetches up to MaxSignatures transactions of address and scores them.
// Individual transactions that cannot be fetched are skipped.
func (a *Analyzer) Analyze(ctx context.Context, address string) (*domain.WalletMetrics, error) {
	start := time.Now()
	sigs, err := a.signatures(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("signatures for %s: %w", address, err)
	}

	swaps := make([]Swap, 0, len(sigs))
	for _, sig := range sigs {
		if sig.Failed {
			continue
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		tx, err := a.rpc.GetTransaction(ctx, sig.Signature)
		a.txFetched.Add(1)
		if err != nil {
			a.txFailed.Add(1)
			log.Debug().Err(err).Str("sig", sig.Signature).Msg("walletintel: transaction fetch failed")
			continue
		}
		if s, ok := ParseSwap(tx, address); ok {
			if s.Time.IsZero() && sig.BlockTime != nil {
				s.Time = *sig.BlockTime
			}
			swaps = append(swaps, s)
		}
	}

	m := computeMetrics(address, swaps, time.Now())
	m.Score = Score(m, a.config.Weights)
	m.Tier = string(classifyTier(m))

	a.mu.Lock()
	a.metrics[address] = m
	a.rebuildRankingsLocked()
	a.mu.Unlock()
	a.analyses.Add(1)

	log.Info().
		Str("wallet", address).
		Int("signatures", len(sigs)).
		Int("swaps", len(swaps)).
		Int("round_trips", m.TotalTrades).
		Float64("win_rate", m.WinRate).
		Float64("score", m.Score).
		Dur("elapsed", time.Since(start)).
		Msg("walletintel: wallet analyzed")
	return &m, nil
}

func (a *Analyzer) signatures(ctx context.Context, address string) ([]solana.SignatureInfo, error) {
	var (
		out    []solana.SignatureInfo
		before string
	)
	for len(out) < a.config.MaxSignatures {
		limit := a.config.MaxSignatures - len(out)
		if limit > signaturePage {
			limit = signaturePage
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := a.rpc.GetSignaturesForAddress(ctx, address, solana.SignatureOpts{Limit: limit, Before: before})
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		out = append(out, page...)
		if len(page) < limit {
			break
		}
		before = page[len(page)-1].Signature
	}
	return out, nil
}

func (a *Analyzer) rebuildRankingsLocked() {
	r := make([]Ranking, 0, len(a.metrics))
	for addr, m := range a.metrics {
		r = append(r, Ranking{Address: addr, Score: m.Score, Tier: WalletTier(m.Tier), Trades: m.TotalTrades, WinRate: m.WinRate})
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].Score != r[j].Score {
			return r[i].Score > r[j].Score
		}
		return r[i].Address < r[j].Address
	})
	a.rankings = r
}

// Rankings returns all analysed wallets, best first.
func (a *Analyzer) Rankings() []Ranking {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Ranking(nil), a.rankings...)
}

// TopWallets returns the n best wallets.
func (a *Analyzer) TopWallets(n int) []Ranking {
	r := a.Rankings()
	if n >= 0 && len(r) > n {
		r = r[:n]
	}
	return r
}

// Metrics returns the last analysis of address.
func (a *Analyzer) Metrics(address string) (domain.WalletMetrics, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.metrics[address]
	return m, ok
}

// WalletScore returns the last computed score of address.
func (a *Analyzer) WalletScore(address string) (float64, bool) {
	m, ok := a.Metrics(address)
	return m.Score, ok
}

// RefreshTracked re-analyses every distinct tracked address and writes the results back.
func (a *Analyzer) RefreshTracked(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	wallets, err := a.store.ListAllTrackedWallets(ctx)
	if err != nil {
		return fmt.Errorf("list tracked wallets: %w", err)
	}

	seen := make(map[string]bool, len(wallets))
	var refreshed, failed int
	for _, w := range wallets {
		if seen[w.Address] {
			continue
		}
		seen[w.Address] = true
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m, err := a.Analyze(ctx, w.Address)
		if err != nil {
			failed++
			log.Warn().Err(err).Str("wallet", w.Address).Msg("walletintel: analysis failed")
			continue
		}
		if err := a.store.UpdateWalletScore(ctx, w.Address, m.Stats()); err != nil {
			failed++
			log.Error().Err(err).Str("wallet", w.Address).Msg("walletintel: score write failed")
			continue
		}
		refreshed++
	}

	a.lastRefresh.Store(time.Now().Unix())
	a.refreshCount.Add(1)
	log.Info().Int("refreshed", refreshed).Int("failed", failed).Msg("walletintel: tracked wallets refreshed")
	if failed > 0 && refreshed == 0 {
		return fmt.Errorf("all %d wallet refreshes failed", failed)
	}
	return nil
}

// AnalyzerStats returns analyzer counters.
type AnalyzerStats struct {
	Analyses      int64 `json:"analyses"`
	TxFetched     int64 `json:"tx_fetched"`
	TxFailed      int64 `json:"tx_failed"`
	RankedWallets int   `json:"ranked_wallets"`
	Refreshes     int64 `json:"refreshes"`
	LastRefresh   int64 `json:"last_refresh_unix"`
}

func (a *Analyzer) Stats() AnalyzerStats {
	a.mu.RLock()
	n := len(a.rankings)
	a.mu.RUnlock()
	return AnalyzerStats{
		Analyses:      a.analyses.Load(),
		TxFetched:     a.txFetched.Load(),
		TxFailed:      a.txFailed.Load(),
		RankedWallets: n,
		Refreshes:     a.refreshCount.Load(),
		LastRefresh:   a.lastRefresh.Load(),
	}
}
