// Package protection runs the layered safety battery on a mint before any buy.
package protection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/solana"
)

// Layer penalties.
const (
	PenaltyHoneypot        = 100
	PenaltyMintAuthority   = 30
	PenaltyFreezeAuthority = 25
	PenaltyLowLiquidity    = 20
	PenaltyConcentration   = 15
	PenaltyContractHigh    = 40
	PenaltyContractMedium  = 15

	unsafeScore       = 50
	maxSafeWarnings   = 2
	maxRiskScore      = 100
	defaultTopHolders = 10
)

// RiskLevel is the contract-risk classification.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Config configures the battery.
type Config struct {
	MinLiquidityUSD    float64
	MaxTopHolderPct    float64
	TopHolders         int
	SimulateSell       bool
	ProbeWallet        string
	SuspicionThreshold int
	CheckTimeout       time.Duration
}

// Report is the result of ComprehensiveCheck.
type Report struct {
	Mint           string          `json:"mint"`
	IsSafe         bool            `json:"is_safe"`
	RiskScore      int             `json:"risk_score"`
	Warnings       []string        `json:"warnings"`
	ChecksPassed   []string        `json:"checks_passed"`
	Details        map[string]any  `json:"details"`
	LiquidityUSD   float64         `json:"liquidity_usd"`
	LiquidityKnown bool            `json:"liquidity_known"`
	ContractRisk   RiskLevel       `json:"contract_risk"`
	Honeypot       *HoneypotResult `json:"honeypot,omitempty"`
	CheckedAt      time.Time       `json:"checked_at"`
	LatencyMs      int64           `json:"latency_ms"`
}

func (r *Report) fail(penalty int, warning string) {
	r.RiskScore += penalty
	r.Warnings = append(r.Warnings, warning)
}

func (r *Report) pass(check string) {
	r.ChecksPassed = append(r.ChecksPassed, check)
}

// LiquiditySource reports pool liquidity for a mint. Satisfied by *market.Client.
type LiquiditySource interface {
	LiquidityUSD(ctx context.Context, mint string) (float64, error)
}

// Battery is the protection battery.
type Battery struct {
	config    Config
	rpc       solana.RPCClient
	quoter    SellQuoter
	liquidity LiquiditySource
	sources   []ExternalSource
	shared    SharedCache
	trail     *audit.Trail

	mu    sync.RWMutex
	cache map[string]HoneypotResult

	checks         atomic.Int64
	unsafe         atomic.Int64
	honeypots      atomic.Int64
	cacheHits      atomic.Int64
	degraded       atomic.Int64
	externalErrors atomic.Int64
}

// Option configures optional battery collaborators.
type Option func(*Battery)

// WithSellQuoter enables the simulated-sell sub-method.
func WithSellQuoter(q SellQuoter) Option { return func(b *Battery) { b.quoter = q } }

// WithLiquiditySource sets the venue liquidity lookup.
func WithLiquiditySource(l LiquiditySource) Option { return func(b *Battery) { b.liquidity = l } }

// WithExternalSources sets the scam databases.
func WithExternalSources(s ...ExternalSource) Option {
	return func(b *Battery) { b.sources = append(b.sources, s...) }
}

// WithSharedCache mirrors honeypot verdicts to a shared store.
func WithSharedCache(c SharedCache) Option { return func(b *Battery) { b.shared = c } }

// WithAuditTrail records every verdict.
func WithAuditTrail(t *audit.Trail) Option { return func(b *Battery) { b.trail = t } }

// New creates a protection battery.
func New(config Config, rpc solana.RPCClient, opts ...Option) *Battery {
	if config.TopHolders <= 0 {
		config.TopHolders = defaultTopHolders
	}
	if config.SuspicionThreshold <= 0 {
		config.SuspicionThreshold = 60
	}
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 20 * time.Second
	}
	b := &Battery{
		config: config,
		rpc:    rpc,
		cache:  make(map[string]HoneypotResult),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ComprehensiveCheck runs all six layers on mint.
func (b *Battery) ComprehensiveCheck(ctx context.Context, mint string) *Report {
	start := time.Now()
	b.checks.Add(1)

	ctx, cancel := context.WithTimeout(ctx, b.config.CheckTimeout)
	defer cancel()

	report := &Report{
		Mint:         mint,
		Warnings:     []string{},
		ChecksPassed: []string{},
		Details:      make(map[string]any),
		ContractRisk: RiskLow,
		CheckedAt:    start,
	}

	facts := b.gather(ctx, mint, report)

	// L1 honeypot.
	hp := b.honeypot(ctx, mint, facts)
	report.Honeypot = &hp
	if hp.Flagged {
		b.honeypots.Add(1)
		report.RiskScore = maxRiskScore
		report.Warnings = append(report.Warnings, fmt.Sprintf("honeypot detected (%s): %s", hp.Method, hp.Reason))
		return b.finish(report, start)
	}
	report.pass("honeypot")

	// L2 mint authority.
	switch {
	case facts.info == nil:
		report.fail(PenaltyMintAuthority, "mint authority unknown")
	case !facts.info.IsMintRenounced():
		report.fail(PenaltyMintAuthority, "mint authority not revoked")
	default:
		report.pass("mint_authority")
	}

	// L3 freeze authority.
	switch {
	case facts.info == nil:
		report.fail(PenaltyFreezeAuthority, "freeze authority unknown")
	case !facts.info.IsFreezeRenounced():
		report.fail(PenaltyFreezeAuthority, "freeze authority present")
	default:
		report.pass("freeze_authority")
	}

	// L4 liquidity. Unknown liquidity is not penalised here.
	switch {
	case !facts.liquidityKnown:
		report.Details["liquidity"] = "unavailable"
	case facts.liquidityUSD < b.config.MinLiquidityUSD:
		report.fail(PenaltyLowLiquidity, fmt.Sprintf("liquidity $%.0f below $%.0f", facts.liquidityUSD, b.config.MinLiquidityUSD))
	default:
		report.pass("liquidity")
	}

	// L5 holder concentration.
	if len(facts.holders) > 0 {
		top := facts.largestHolderPct()
		report.Details["largest_holder_pct"] = top
		report.Details["top_holders_pct"] = facts.topHoldersPct()
		if b.config.MaxTopHolderPct > 0 && top > b.config.MaxTopHolderPct {
			report.fail(PenaltyConcentration, fmt.Sprintf("top holder owns %.1f%% (max %.1f%%)", top, b.config.MaxTopHolderPct))
		} else {
			report.pass("holder_concentration")
		}
	} else {
		report.Details["holders"] = "unavailable"
	}

	// L6 contract risk.
	report.ContractRisk = contractRisk(facts.info)
	switch report.ContractRisk {
	case RiskHigh:
		report.fail(PenaltyContractHigh, "contract risk HIGH")
	case RiskMedium:
		report.fail(PenaltyContractMedium, "contract risk MEDIUM")
	default:
		report.pass("contract_risk")
	}

	return b.finish(report, start)
}

func (b *Battery) finish(r *Report, start time.Time) *Report {
	if r.RiskScore > maxRiskScore {
		r.RiskScore = maxRiskScore
	}
	r.IsSafe = r.RiskScore < unsafeScore && len(r.Warnings) <= maxSafeWarnings
	r.LatencyMs = time.Since(start).Milliseconds()
	if !r.IsSafe {
		b.unsafe.Add(1)
	}

	log.Info().
		Str("mint", r.Mint).
		Bool("safe", r.IsSafe).
		Int("risk_score", r.RiskScore).
		Strs("warnings", r.Warnings).
		Int64("latency_ms", r.LatencyMs).
		Msg("protection: check complete")

	b.trail.RecordProtection(r.Mint, r.IsSafe, r.RiskScore, r)
	return r
}

// gather fetches the on-chain and venue facts every layer reads.
func (b *Battery) gather(ctx context.Context, mint string, report *Report) tokenFacts {
	var (
		facts tokenFacts
		wg    sync.WaitGroup
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		info, err := b.rpc.GetTokenInfo(ctx, mint)
		if err != nil {
			log.Warn().Err(err).Str("mint", mint).Msg("protection: token info failed")
			return
		}
		facts.info = info
	}()
	go func() {
		defer wg.Done()
		holders, err := b.rpc.GetTopHolders(ctx, mint, b.config.TopHolders)
		if err != nil {
			log.Warn().Err(err).Str("mint", mint).Msg("protection: holders failed")
			return
		}
		facts.holders = holders
	}()
	go func() {
		defer wg.Done()
		if b.liquidity == nil {
			return
		}
		liq, err := b.liquidity.LiquidityUSD(ctx, mint)
		if err != nil {
			log.Debug().Err(err).Str("mint", mint).Msg("protection: liquidity lookup failed")
			return
		}
		facts.liquidityUSD, facts.liquidityKnown = liq, true
	}()
	wg.Wait()

	report.LiquidityUSD = facts.liquidityUSD
	report.LiquidityKnown = facts.liquidityKnown
	if facts.info != nil {
		report.Details["decimals"] = facts.info.Decimals
		report.Details["token_program"] = facts.info.ProgramID
		if len(facts.info.Extensions) > 0 {
			report.Details["extensions"] = facts.info.Extensions
		}
	}
	return facts
}

// honeypot returns the L1 verdict, from cache when present.
func (b *Battery) honeypot(ctx context.Context, mint string, facts tokenFacts) HoneypotResult {
	b.mu.RLock()
	cached, ok := b.cache[mint]
	b.mu.RUnlock()
	if ok {
		b.cacheHits.Add(1)
		return cached
	}

	if b.shared != nil {
		if r, found, err := b.shared.Get(ctx, mint); err != nil {
			log.Debug().Err(err).Msg("protection: shared cache get failed")
		} else if found && !r.Degraded() {
			b.cacheHits.Add(1)
			b.store(mint, *r)
			return *r
		}
	}

	res := b.detectHoneypot(ctx, mint, facts)
	if res.Degraded() {
		b.degraded.Add(1)
		return res
	}
	b.store(mint, res)
	if b.shared != nil {
		if err := b.shared.Set(ctx, mint, res); err != nil {
			log.Debug().Err(err).Msg("protection: shared cache set failed")
		}
	}
	return res
}

func (b *Battery) store(mint string, r HoneypotResult) {
	b.mu.Lock()
	b.cache[mint] = r
	b.mu.Unlock()
}

// contractRisk classifies mint-account patterns.
func contractRisk(info *solana.TokenInfo) RiskLevel {
	if info == nil {
		return RiskMedium
	}
	if !info.IsMintRenounced() && !info.IsFreezeRenounced() {
		return RiskHigh
	}
	for _, ext := range restrictiveExtensions {
		if info.HasExtension(ext) {
			return RiskHigh
		}
	}
	if info.IsToken2022() && len(info.Extensions) > 0 {
		return RiskMedium
	}
	if info.Decimals == 0 || info.Decimals > 9 {
		return RiskMedium
	}
	return RiskLow
}

// BatteryStats returns battery counters.
type BatteryStats struct {
	Checks         int64 `json:"checks"`
	Unsafe         int64 `json:"unsafe"`
	Honeypots      int64 `json:"honeypots"`
	CacheHits      int64 `json:"cache_hits"`
	CachedMints    int   `json:"cached_mints"`
	Degraded       int64 `json:"degraded"`
	ExternalErrors int64 `json:"external_errors"`
}

func (b *Battery) Stats() BatteryStats {
	b.mu.RLock()
	n := len(b.cache)
	b.mu.RUnlock()
	return BatteryStats{
		Checks:         b.checks.Load(),
		Unsafe:         b.unsafe.Load(),
		Honeypots:      b.honeypots.Load(),
		CacheHits:      b.cacheHits.Load(),
		CachedMints:    n,
		Degraded:       b.degraded.Load(),
		ExternalErrors: b.externalErrors.Load(),
	}
}
