package walletintel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/solana"
	"github.com/nexus-trading/tradecore/internal/storage/memory"
)

const (
	walletA = "WalletA111111111111111111111111111111111111"
	walletB = "WalletB111111111111111111111111111111111111"
	mintX   = "MintX1111111111111111111111111111111111111"
	mintY   = "MintY1111111111111111111111111111111111111"
)

var defaultWeights = config.WalletScoreWeights{WinRate: 30, ProfitFactor: 25, Consistency: 20, Recent: 15, Volume: 10}

func buy(mint string, tokens int64, sol float64, at time.Time) Swap {
	return Swap{Mint: mint, Side: SideBuy, TokenAmount: decimal.NewFromInt(tokens), SOLAmount: decimal.NewFromFloat(sol), Time: at}
}

func sell(mint string, tokens int64, sol float64, at time.Time) Swap {
	return Swap{Mint: mint, Side: SideSell, TokenAmount: decimal.NewFromInt(tokens), SOLAmount: decimal.NewFromFloat(sol), Time: at}
}

func TestParseSwap_Buy(t *testing.T) {
	at := time.Now().Add(-time.Hour).Truncate(time.Second)
	v := solana.SwapFixture{Signature: "s1", Wallet: walletA, Mint: mintX, TokenDelta: 1_000_000, LamportDelta: -500_000_000, Decimals: 6, BlockTime: at}.View()

	s, ok := ParseSwap(v, walletA)
	require.True(t, ok)
	assert.Equal(t, SideBuy, s.Side)
	assert.Equal(t, mintX, s.Mint)
	assert.Equal(t, "raydium", s.Venue)
	assert.Equal(t, "0.5", s.SOLAmount.String(), "fee is excluded")
	assert.Equal(t, "1000000", s.TokenAmount.String())
	assert.True(t, at.Equal(s.Time))
}

func TestParseSwap_Sell(t *testing.T) {
	v := solana.SwapFixture{Signature: "s2", Wallet: walletA, Mint: mintX, TokenDelta: -1_000_000, LamportDelta: 800_000_000, BlockTime: time.Now()}.View()
	s, ok := ParseSwap(v, walletA)
	require.True(t, ok)
	assert.Equal(t, SideSell, s.Side)
	assert.Equal(t, "0.8", s.SOLAmount.String())
}

func TestParseSwap_Rejects(t *testing.T) {
	failed := solana.SwapFixture{Signature: "f", Wallet: walletA, Mint: mintX, TokenDelta: 10, LamportDelta: -10, Failed: true}.View()
	_, ok := ParseSwap(failed, walletA)
	assert.False(t, ok)

	airdrop := solana.SwapFixture{Signature: "a", Wallet: walletA, Mint: mintX, TokenDelta: 10}.View()
	_, ok = ParseSwap(airdrop, walletA)
	assert.False(t, ok, "tokens in without SOL out is not a swap")

	_, ok = ParseSwap(nil, walletA)
	assert.False(t, ok)
}

func TestReconstruct_FIFO(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	swaps := []Swap{
		sell(mintX, 150, 3.0, t0.Add(3*time.Hour)), // out of order on purpose
		buy(mintX, 100, 1.0, t0),
		buy(mintX, 100, 2.0, t0.Add(time.Hour)),
	}
	closed := reconstruct(swaps)
	require.Len(t, closed, 1)
	// cost = 1.0 (first lot) + 1.0 (half of second lot)
	assert.InDelta(t, 1.0, closed[0].pnl, 1e-9)
	assert.Equal(t, mintX, closed[0].mint)
	// (100*3h + 50*2h) / 150
	assert.InDelta(t, (8 * time.Hour / 3).Seconds(), closed[0].hold.Seconds(), 1)
}

func TestReconstruct_SellWithoutBuyIgnored(t *testing.T) {
	closed := reconstruct([]Swap{sell(mintX, 10, 1, time.Now())})
	assert.Empty(t, closed)
}

func TestComputeMetrics(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-20 * 24 * time.Hour)
	swaps := []Swap{
		buy(mintX, 100, 1, old),
		sell(mintX, 100, 3, old.Add(time.Hour)),
		buy(mintY, 100, 2, now.Add(-2*time.Hour)),
		sell(mintY, 100, 1, now.Add(-time.Hour)),
	}
	swaps[0].Venue, swaps[1].Venue, swaps[2].Venue = "raydium", "raydium", "orca"

	m := computeMetrics(walletA, swaps, now)
	assert.True(t, m.BestEffort)
	assert.Equal(t, 4, m.SwapCount)
	assert.Equal(t, 2, m.TotalTrades)
	assert.Equal(t, 1, m.ProfitableTrades)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
	assert.InDelta(t, 2.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 1.0, m.TotalPnLSOL, 1e-9)
	assert.InDelta(t, -1.0, m.PnL7dSOL, 1e-9)
	assert.InDelta(t, 1.0, m.PnL30dSOL, 1e-9)
	assert.Equal(t, mintX, m.BestToken)
	assert.Equal(t, mintY, m.WorstToken)
	assert.Equal(t, []string{"raydium", "orca"}, m.FavoriteVenues)
	assert.Equal(t, time.Hour, m.AvgHoldTime)
	assert.InDelta(t, 1.5, m.AvgBuySOL, 1e-9)
	assert.Equal(t, 2, m.HourlyActivity[old.Hour()]+m.HourlyActivity[old.Add(time.Hour).Hour()])
}

func TestComputeMetrics_Empty(t *testing.T) {
	m := computeMetrics(walletA, nil, time.Now())
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, Score(m, defaultWeights))
}

func TestConsistency(t *testing.T) {
	assert.Equal(t, 1.0, consistency([]float64{2, 2, 2}))
	assert.Equal(t, 0.0, consistency([]float64{-50, 50}), "clamped at zero")
	assert.InDelta(t, 1-1.0/(2+1), consistency([]float64{1, 3}), 1e-9)
}

func TestScore_Bounds(t *testing.T) {
	perfect := domain.WalletMetrics{TotalTrades: 200, WinRate: 1, ProfitFactor: 10, Consistency: 1, PnL30dSOL: 50}
	assert.Equal(t, 100.0, Score(perfect, defaultWeights))

	awful := domain.WalletMetrics{TotalTrades: 1, WinRate: 0, ProfitFactor: 0, Consistency: 0, PnL30dSOL: -50}
	assert.Equal(t, 0.1, Score(awful, defaultWeights), "only the volume term contributes")

	flat := domain.WalletMetrics{TotalTrades: 50, WinRate: 0.5, ProfitFactor: 1.5, Consistency: 0.5}
	// 15 + 12.5 + 10 + 7.5 + 5
	assert.Equal(t, 50.0, Score(flat, defaultWeights))
}

func TestClassifyTier(t *testing.T) {
	assert.Equal(t, TierFresh, classifyTier(domain.WalletMetrics{SwapCount: 2, Score: 90}))
	assert.Equal(t, TierSmartMoney, classifyTier(domain.WalletMetrics{SwapCount: 20, Score: 75}))
	assert.Equal(t, TierWhale, classifyTier(domain.WalletMetrics{SwapCount: 20, Score: 40, AvgBuySOL: 25}))
	assert.Equal(t, TierActive, classifyTier(domain.WalletMetrics{SwapCount: 20, Score: 40}))
}

// seedWallet registers n buy/sell round trips for wallet; every trip gains gain SOL.
func seedWallet(rpc *solana.StubRPCClient, wallet string, n int, gain float64) {
	var sigs []solana.SignatureInfo
	base := time.Now().Add(-48 * time.Hour)
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		bs := fmt.Sprintf("%s-b%d", wallet[:7], i)
		ss := fmt.Sprintf("%s-s%d", wallet[:7], i)
		rpc.AddTransaction(bs, solana.SwapFixture{Signature: bs, Wallet: wallet, Mint: mintX, TokenDelta: 1000, LamportDelta: -1_000_000_000, BlockTime: at}.View())
		rpc.AddTransaction(ss, solana.SwapFixture{Signature: ss, Wallet: wallet, Mint: mintX, TokenDelta: -1000, LamportDelta: int64((1 + gain) * 1e9), BlockTime: at.Add(30 * time.Minute)}.View())
		sigs = append([]solana.SignatureInfo{{Signature: ss}, {Signature: bs}}, sigs...)
	}
	sigs = append(sigs, solana.SignatureInfo{Signature: "missing"}, solana.SignatureInfo{Signature: "errored", Failed: true})
	rpc.SetSignatures(wallet, sigs)
}

func TestAnalyze(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	seedWallet(rpc, walletA, 3, 0.5)
	a := New(config.WalletIntelConfig{MaxSignatures: 1000}, rpc, nil)

	m, err := a.Analyze(context.Background(), walletA)
	require.NoError(t, err)
	assert.Equal(t, 6, m.SwapCount)
	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 1.0, m.WinRate)
	assert.InDelta(t, 1.5, m.TotalPnLSOL, 1e-6)
	assert.Greater(t, m.Score, 60.0)

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.Analyses)
	assert.Equal(t, int64(7), stats.TxFetched, "failed signatures are not fetched")
	assert.Equal(t, int64(1), stats.TxFailed)

	score, ok := a.WalletScore(walletA)
	assert.True(t, ok)
	assert.Equal(t, m.Score, score)
}

func TestAnalyze_SignatureCap(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	seedWallet(rpc, walletA, 3, 0.1)
	a := New(config.WalletIntelConfig{MaxSignatures: 4}, rpc, nil)

	sigs, err := a.signatures(context.Background(), walletA)
	require.NoError(t, err)
	assert.Len(t, sigs, 4)
}

func TestRankings(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	seedWallet(rpc, walletA, 2, -0.5)
	seedWallet(rpc, walletB, 4, 0.5)
	a := New(config.WalletIntelConfig{}, rpc, nil)

	_, err := a.Analyze(context.Background(), walletA)
	require.NoError(t, err)
	_, err = a.Analyze(context.Background(), walletB)
	require.NoError(t, err)

	r := a.Rankings()
	require.Len(t, r, 2)
	assert.Equal(t, walletB, r[0].Address)
	assert.GreaterOrEqual(t, r[0].Score, r[1].Score)
	assert.Len(t, a.TopWallets(1), 1)
}

func TestRefreshTracked(t *testing.T) {
	ctx := context.Background()
	rpc := solana.NewStubRPCClient()
	seedWallet(rpc, walletA, 3, 0.5)

	store := memory.NewStore()
	for _, uid := range []int64{1, 2} {
		require.NoError(t, store.EnsureUser(ctx, uid))
		require.NoError(t, store.UpsertTrackedWallet(ctx, &domain.TrackedWallet{UserID: uid, Address: walletA, CopyEnabled: true}))
	}

	a := New(config.WalletIntelConfig{}, rpc, store)
	require.NoError(t, a.RefreshTracked(ctx))

	for _, uid := range []int64{1, 2} {
		ws, err := store.ListTrackedWallets(ctx, uid)
		require.NoError(t, err)
		require.Len(t, ws, 1)
		assert.Greater(t, ws[0].Score, 0.0)
		assert.Equal(t, 3, ws[0].TotalTrades)
	}
	assert.Equal(t, int64(1), a.Stats().Analyses, "address analysed once across users")
}
