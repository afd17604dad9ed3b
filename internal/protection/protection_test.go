package protection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/adapters/jupiter"
	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/solana"
)

const testMint = "Mint1111111111111111111111111111111111111111"

type fakeQuoter struct {
	err   error
	out   uint64
	calls atomic.Int64
}

func (q *fakeQuoter) GetQuote(_ context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error) {
	q.calls.Add(1)
	if q.err != nil {
		return nil, q.err
	}
	return &jupiter.Quote{InputMint: req.InputMint, OutputMint: req.OutputMint, InAmount: req.Amount, OutAmount: q.out}, nil
}

func (q *fakeQuoter) GetSwapTransaction(context.Context, *jupiter.Quote, string, jupiter.SwapOptions) (string, error) {
	return "dHg=", nil
}

type fakeLiquidity struct {
	usd float64
	err error
}

func (l fakeLiquidity) LiquidityUSD(context.Context, string) (float64, error) { return l.usd, l.err }

type memCache struct {
	data map[string]HoneypotResult
	sets int
}

func (c *memCache) Get(_ context.Context, mint string) (*HoneypotResult, bool, error) {
	r, ok := c.data[mint]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (c *memCache) Set(_ context.Context, mint string, r HoneypotResult) error {
	c.data[mint] = r
	c.sets++
	return nil
}

func cleanToken() solana.TokenInfo {
	return solana.TokenInfo{
		Mint:      testMint,
		Decimals:  6,
		Supply:    decimal.NewFromInt(1_000_000_000_000),
		ProgramID: solana.TokenProgramID,
	}
}

func spreadHolders() []solana.HolderInfo {
	return []solana.HolderInfo{
		{Address: "h1", Percentage: 12},
		{Address: "h2", Percentage: 8},
		{Address: "h3", Percentage: 5},
	}
}

func testConfig() Config {
	return Config{
		MinLiquidityUSD:    5000,
		MaxTopHolderPct:    30,
		TopHolders:         10,
		SimulateSell:       true,
		SuspicionThreshold: 60,
		CheckTimeout:       5 * time.Second,
	}
}

func newBattery(t *testing.T, info *solana.TokenInfo, opts ...Option) (*Battery, *solana.StubRPCClient, *fakeQuoter) {
	t.Helper()
	rpc := solana.NewStubRPCClient()
	if info != nil {
		rpc.AddToken(*info)
	}
	rpc.AddHolders(testMint, spreadHolders())
	q := &fakeQuoter{out: 5_000_000}
	base := []Option{WithSellQuoter(q), WithLiquiditySource(fakeLiquidity{usd: 20000})}
	return New(testConfig(), rpc, append(base, opts...)...), rpc, q
}

func TestComprehensiveCheck_CleanToken(t *testing.T) {
	info := cleanToken()
	b, _, _ := newBattery(t, &info)

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.True(t, r.IsSafe)
	assert.Equal(t, 0, r.RiskScore)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, RiskLow, r.ContractRisk)
	assert.ElementsMatch(t, []string{"honeypot", "mint_authority", "freeze_authority", "liquidity", "holder_concentration", "contract_risk"}, r.ChecksPassed)
	require.NotNil(t, r.Honeypot)
	assert.False(t, r.Honeypot.Flagged)
	assert.True(t, r.LiquidityKnown)
}

func TestComprehensiveCheck_MintAuthorityOnly(t *testing.T) {
	info := cleanToken()
	info.MintAuthority = "auth"
	b, _, _ := newBattery(t, &info)

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, PenaltyMintAuthority, r.RiskScore)
	assert.True(t, r.IsSafe, "one warning under 50 stays safe")
}

func TestComprehensiveCheck_BothAuthorities(t *testing.T) {
	info := cleanToken()
	info.MintAuthority = "auth"
	info.FreezeAuthority = "auth"
	b, _, _ := newBattery(t, &info)

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.False(t, r.IsSafe)
	assert.Equal(t, RiskHigh, r.ContractRisk)
	assert.Equal(t, PenaltyMintAuthority+PenaltyFreezeAuthority+PenaltyContractHigh, r.RiskScore)
	assert.Len(t, r.Warnings, 3)
}

func TestComprehensiveCheck_HoneypotNoRoute(t *testing.T) {
	info := cleanToken()
	b, _, q := newBattery(t, &info)
	q.err = jupiter.ErrNoRoute

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.False(t, r.IsSafe)
	assert.Equal(t, 100, r.RiskScore)
	require.NotNil(t, r.Honeypot)
	assert.Equal(t, MethodSimulatedSell, r.Honeypot.Method)
	assert.Equal(t, int64(1), b.Stats().Honeypots)
}

func TestComprehensiveCheck_ZeroSellQuote(t *testing.T) {
	info := cleanToken()
	b, _, q := newBattery(t, &info)
	q.out = 0

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, 100, r.RiskScore)
	assert.Contains(t, r.Honeypot.Reason, "zero")
}

func TestComprehensiveCheck_QuoteErrorNotFlagged(t *testing.T) {
	info := cleanToken()
	b, _, q := newBattery(t, &info)
	q.err = errors.New("HTTP 502")

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.True(t, r.IsSafe)
	assert.False(t, r.Honeypot.Flagged)
}

func TestComprehensiveCheck_ProbeSimulationFails(t *testing.T) {
	info := cleanToken()
	rpc := solana.NewStubRPCClient()
	rpc.AddToken(info)
	rpc.SetSimulation(solana.SimulationResult{Err: "custom program error: 0x1771"})
	cfg := testConfig()
	cfg.ProbeWallet = "Probe111111111111111111111111111111111111111"
	b := New(cfg, rpc, WithSellQuoter(&fakeQuoter{out: 100}))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, 100, r.RiskScore)
	assert.Equal(t, MethodSimulatedSell, r.Honeypot.Method)
}

func TestComprehensiveCheck_ProbeWithoutFundsIgnored(t *testing.T) {
	info := cleanToken()
	rpc := solana.NewStubRPCClient()
	rpc.AddToken(info)
	rpc.SetSimulation(solana.SimulationResult{Err: "InsufficientFunds"})
	cfg := testConfig()
	cfg.ProbeWallet = "Probe111111111111111111111111111111111111111"
	b := New(cfg, rpc, WithSellQuoter(&fakeQuoter{out: 100}))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.False(t, r.Honeypot.Flagged)
}

func TestComprehensiveCheck_TransferHook(t *testing.T) {
	info := cleanToken()
	info.ProgramID = solana.Token2022Program
	info.Extensions = []string{"transferHook"}
	b, _, _ := newBattery(t, &info)

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, 100, r.RiskScore)
	assert.Equal(t, MethodTransferRestrictions, r.Honeypot.Method)
}

func TestCheckTransferRestrictions(t *testing.T) {
	assert.False(t, checkTransferRestrictions(nil).Flagged)

	info := cleanToken()
	info.ProgramID = solana.Token2022Program
	info.Extensions = []string{"metadataPointer"}
	assert.False(t, checkTransferRestrictions(&info).Flagged)

	info.Extensions = []string{"defaultAccountState"}
	assert.False(t, checkTransferRestrictions(&info).Flagged, "renounced freeze authority cannot lock accounts")

	info.FreezeAuthority = "auth"
	assert.True(t, checkTransferRestrictions(&info).Flagged)

	plain := cleanToken()
	plain.FreezeAuthority = "auth"
	assert.False(t, checkTransferRestrictions(&plain).Flagged, "plain freeze authority is scored elsewhere")
}

func TestComprehensiveCheck_LowLiquidity(t *testing.T) {
	info := cleanToken()
	b, _, _ := newBattery(t, &info, WithLiquiditySource(fakeLiquidity{usd: 1200}))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, PenaltyLowLiquidity, r.RiskScore)
	assert.True(t, r.IsSafe)
}

func TestComprehensiveCheck_UnknownLiquidity(t *testing.T) {
	info := cleanToken()
	b, _, _ := newBattery(t, &info, WithLiquiditySource(fakeLiquidity{err: errors.New("down")}))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, 0, r.RiskScore)
	assert.False(t, r.LiquidityKnown)
	assert.Equal(t, "unavailable", r.Details["liquidity"])
}

func TestComprehensiveCheck_Concentration(t *testing.T) {
	info := cleanToken()
	rpc := solana.NewStubRPCClient()
	rpc.AddToken(info)
	rpc.AddHolders(testMint, []solana.HolderInfo{{Address: "whale", Percentage: 45}})
	b := New(testConfig(), rpc, WithSellQuoter(&fakeQuoter{out: 1}), WithLiquiditySource(fakeLiquidity{usd: 9000}))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, PenaltyConcentration, r.RiskScore)
	assert.InDelta(t, 45.0, r.Details["largest_holder_pct"], 0.001)
}

func TestComprehensiveCheck_TokenInfoUnavailable(t *testing.T) {
	b, _, _ := newBattery(t, nil)

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.False(t, r.IsSafe)
	assert.Equal(t, PenaltyMintAuthority+PenaltyFreezeAuthority+PenaltyContractMedium, r.RiskScore)
}

func TestComprehensiveCheck_ExternalFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"is_rug": false, "probability": 0.93}`))
	}))
	defer srv.Close()

	info := cleanToken()
	b, _, _ := newBattery(t, &info, WithExternalSources(NewClassifierSource(srv.URL, time.Second)))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, 100, r.RiskScore)
	assert.Equal(t, MethodExternalScore, r.Honeypot.Method)
}

func TestComprehensiveCheck_LPUnlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score_normalised": 10, "risks": [{"name": "Large Amount of LP Unlocked", "level": "danger"}]}`))
	}))
	defer srv.Close()

	info := cleanToken()
	b, _, _ := newBattery(t, &info, WithExternalSources(NewRiskReportSource(srv.URL, time.Second)))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, MethodLiquidityLock, r.Honeypot.Method)
}

func TestComprehensiveCheck_ExternalErrorNotFlagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	info := cleanToken()
	b, _, _ := newBattery(t, &info, WithExternalSources(NewRiskReportSource(srv.URL, time.Second)))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.True(t, r.IsSafe)
	assert.Equal(t, int64(1), b.Stats().ExternalErrors)

	var db MethodResult
	for _, m := range r.Honeypot.Methods {
		if m.Name == MethodScamDatabase {
			db = m
		}
	}
	assert.False(t, db.Flagged)
	assert.Contains(t, db.Error, "HTTP 500")
}

func TestComprehensiveCheck_HoneypotCached(t *testing.T) {
	info := cleanToken()
	b, _, q := newBattery(t, &info)

	b.ComprehensiveCheck(context.Background(), testMint)
	b.ComprehensiveCheck(context.Background(), testMint)

	assert.Equal(t, int64(1), q.calls.Load())
	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Checks)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, 1, stats.CachedMints)
}

func TestComprehensiveCheck_SharedCache(t *testing.T) {
	shared := &memCache{data: map[string]HoneypotResult{
		testMint: {Flagged: true, Method: MethodScamDatabase, Reason: "known rug"},
	}}
	info := cleanToken()
	b, _, q := newBattery(t, &info, WithSharedCache(shared))

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, 100, r.RiskScore)
	assert.Zero(t, q.calls.Load())

	other := &memCache{data: map[string]HoneypotResult{}}
	b2, _, _ := newBattery(t, &info, WithSharedCache(other))
	b2.ComprehensiveCheck(context.Background(), testMint)
	assert.Equal(t, 1, other.sets)
}

func TestComprehensiveCheck_DegradedVerdictNotCached(t *testing.T) {
	info := cleanToken()
	shared := &memCache{data: map[string]HoneypotResult{}}
	b, _, q := newBattery(t, &info, WithSharedCache(shared))

	q.err = errors.New("HTTP 502")
	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.True(t, r.IsSafe)
	assert.True(t, r.Honeypot.Degraded())

	stats := b.Stats()
	assert.Zero(t, stats.CachedMints)
	assert.Equal(t, int64(1), stats.Degraded)
	assert.Zero(t, shared.sets)

	q.err = jupiter.ErrNoRoute
	r = b.ComprehensiveCheck(context.Background(), testMint)
	assert.False(t, r.IsSafe)
	assert.True(t, r.Honeypot.Flagged)
	assert.Equal(t, int64(2), q.calls.Load())
	assert.Equal(t, 1, shared.sets)
}

func TestComprehensiveCheck_SharedDegradedEntryIgnored(t *testing.T) {
	shared := &memCache{data: map[string]HoneypotResult{
		testMint: {Methods: []MethodResult{{Name: MethodSimulatedSell, Error: "HTTP 502"}}},
	}}
	info := cleanToken()
	b, _, q := newBattery(t, &info, WithSharedCache(shared))
	q.err = jupiter.ErrNoRoute

	r := b.ComprehensiveCheck(context.Background(), testMint)
	assert.False(t, r.IsSafe)
	assert.Equal(t, int64(1), q.calls.Load())
	assert.Zero(t, b.Stats().CacheHits)
}

func TestFinish_SafetyThreshold(t *testing.T) {
	b, _, _ := newBattery(t, nil)

	tests := []struct {
		name     string
		score    int
		warnings int
		safe     bool
	}{
		{"clean", 0, 0, true},
		{"just under score limit with two warnings", 49, 2, true},
		{"score at limit", 50, 0, false},
		{"three warnings", 0, 3, false},
		{"score clamped", 250, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Report{Mint: testMint, RiskScore: tt.score}
			for i := 0; i < tt.warnings; i++ {
				r.Warnings = append(r.Warnings, fmt.Sprintf("w%d", i))
			}
			got := b.finish(r, time.Now())
			assert.Equal(t, tt.safe, got.IsSafe)
			assert.LessOrEqual(t, got.RiskScore, maxRiskScore)
		})
	}
}

func TestComprehensiveCheck_AuditRecorded(t *testing.T) {
	trail := audit.NewTrail(nil, 10)
	info := cleanToken()
	b, _, _ := newBattery(t, &info, WithAuditTrail(trail))

	b.ComprehensiveCheck(context.Background(), testMint)
	entries := trail.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.EventProtection, entries[0].EventType)
	assert.Equal(t, testMint, entries[0].TokenMint)
}

func TestSuspicionScore(t *testing.T) {
	info := cleanToken()
	info.MintAuthority = "a"
	info.FreezeAuthority = "f"
	f := tokenFacts{
		info:           &info,
		holders:        []solana.HolderInfo{{Percentage: 60}, {Percentage: 35}},
		liquidityUSD:   500,
		liquidityKnown: true,
	}
	assert.Equal(t, 90, suspicionScore(f))

	info.Decimals = 0
	info.ProgramID = solana.Token2022Program
	info.Extensions = []string{"metadataPointer"}
	assert.Equal(t, 100, suspicionScore(f), "clamped")

	assert.Equal(t, 0, suspicionScore(tokenFacts{}))
}
