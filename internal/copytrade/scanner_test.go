package copytrade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/solana"
	"github.com/nexus-trading/tradecore/internal/storage/memory"
)

type fixedScores map[string]float64

func (f fixedScores) WalletScore(addr string) (float64, bool) {
	v, ok := f[addr]
	return v, ok
}

func sigInfo(sig string, at time.Time) solana.SignatureInfo {
	return solana.SignatureInfo{Signature: sig, BlockTime: &at}
}

func testScanConfig() config.CopyTradeConfig {
	return config.CopyTradeConfig{
		SignaturesPer:   3,
		BatchSize:       2,
		BatchPause:      time.Millisecond,
		MaxSignatureAge: 5 * time.Minute,
		ParseCacheTTL:   10 * time.Minute,
		QueueSize:       8,
	}
}

func track(t *testing.T, store *memory.Store, userID int64, addr string, score float64) {
	t.Helper()
	require.NoError(t, store.UpsertTrackedWallet(context.Background(), &domain.TrackedWallet{UserID: userID, Address: addr, Score: score, CopyEnabled: true}))
}

// buyFrom registers a fresh buy of mint by wallet as the newest signature.
func buyFrom(rpc *solana.StubRPCClient, addr, mint, sig string, at time.Time, older ...solana.SignatureInfo) {
	rpc.AddTransaction(sig, solana.SwapFixture{Signature: sig, Wallet: addr, Mint: mint, TokenDelta: 1_000, LamportDelta: -100_000_000, BlockTime: at}.View())
	rpc.SetSignatures(addr, append([]solana.SignatureInfo{sigInfo(sig, at)}, older...))
}

func TestScanner_CopySignalScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rpc := solana.NewStubRPCClient()
	track(t, store, 1, "W1", 80)
	track(t, store, 1, "W2", 65)
	track(t, store, 2, "W3", 60)

	old := time.Now().Add(-time.Hour)
	for _, w := range []string{"W1", "W2", "W3"} {
		rpc.SetSignatures(w, []solana.SignatureInfo{sigInfo(w+"-old", old)})
	}

	s := NewScanner(testScanConfig(), rpc, store, nil, nil)
	opps, err := s.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, opps, "first scan only primes cursors")
	assert.Equal(t, int64(3), s.Stats().Cursors)

	now := time.Now()
	for _, w := range []string{"W1", "W2", "W3"} {
		buyFrom(rpc, w, "M", w+"-buy", now, sigInfo(w+"-old", old))
	}

	opps, err = s.ScanOnce(ctx)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	o := opps[0]
	assert.Equal(t, "M", o.TokenMint)
	assert.Equal(t, 3, o.Count)
	assert.InDelta(t, 68.3, o.AvgScore, 0.05)
	assert.InDelta(t, 0.9, o.Confidence, 1e-9)

	select {
	case got := <-s.Opportunities():
		assert.Equal(t, "M", got.TokenMint)
	default:
		t.Fatal("opportunity not queued")
	}

	opps, err = s.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, opps, "cursor prevents reprocessing")
}

func TestScanner_ScoreSourcePreferred(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rpc := solana.NewStubRPCClient()
	track(t, store, 1, "W1", 10)
	rpc.SetSignatures("W1", []solana.SignatureInfo{sigInfo("p", time.Now().Add(-time.Hour))})

	s := NewScanner(testScanConfig(), rpc, store, fixedScores{"W1": 90}, nil)
	_, err := s.ScanOnce(ctx)
	require.NoError(t, err)

	buyFrom(rpc, "W1", "M", "b", time.Now(), sigInfo("p", time.Now().Add(-time.Hour)))
	opps, err := s.ScanOnce(ctx)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	assert.Equal(t, 90.0, opps[0].AvgScore)
	assert.InDelta(t, 0.8, opps[0].Confidence, 1e-9)
}

func TestScanner_SkipsStaleFailedAndSells(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rpc := solana.NewStubRPCClient()
	track(t, store, 1, "W1", 70)
	rpc.SetSignatures("W1", []solana.SignatureInfo{sigInfo("p", time.Now().Add(-time.Hour))})

	s := NewScanner(testScanConfig(), rpc, store, nil, nil)
	_, err := s.ScanOnce(ctx)
	require.NoError(t, err)

	now := time.Now()
	rpc.AddTransaction("sell", solana.SwapFixture{Signature: "sell", Wallet: "W1", Mint: "M", TokenDelta: -10, LamportDelta: 1_000, BlockTime: now}.View())
	rpc.AddTransaction("stale", solana.SwapFixture{Signature: "stale", Wallet: "W1", Mint: "M", TokenDelta: 10, BlockTime: now.Add(-6 * time.Minute)}.View())
	failed := sigInfo("failed", now)
	failed.Failed = true
	rpc.SetSignatures("W1", []solana.SignatureInfo{sigInfo("sell", now), failed, sigInfo("stale", now.Add(-6*time.Minute)), sigInfo("p", now.Add(-time.Hour))})

	opps, err := s.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, opps)
	st := s.Stats()
	assert.Equal(t, int64(1), st.Stale)
	assert.Equal(t, int64(0), st.Buys)
}

func TestScanner_FetchErrorsSwallowed(t *testing.T) {
	store := memory.NewStore()
	rpc := solana.NewStubRPCClient()
	track(t, store, 1, "W1", 70)
	rpc.SetFailNext()

	s := NewScanner(testScanConfig(), rpc, store, nil, nil)
	_, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Stats().FetchErrors)
	assert.Equal(t, int64(0), s.Stats().Cursors)
}
