package copytrade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/domain"
)

func signal(wallet, mint string, score float64, at time.Time) domain.CopySignal {
	return domain.CopySignal{WalletAddress: wallet, WalletScore: score, TokenMint: mint, Signature: wallet + mint, FirstSeen: at, BuySell: "buy"}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		count int
		avg   float64
		want  float64
	}{
		{1, 50, 0.6},
		{2, 60, 0.7},
		{2, 60.01, 0.8},
		{3, 68.3, 0.9},
		{3, 75, 0.9},
		{3, 75.5, 1.0},
		{10, 90, 1.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Confidence(tt.count, tt.avg), 1e-9, "count=%d avg=%.2f", tt.count, tt.avg)
	}
}

func TestTracker_Flush(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.Record(signal("w1", "M", 80, now))
	tr.Record(signal("w2", "M", 65, now.Add(-time.Second)))
	tr.Record(signal("w3", "M", 60, now))
	tr.Record(signal("w1", "N", 50, now))

	opps := tr.Flush()
	require.Len(t, opps, 2)

	m := opps[0]
	assert.Equal(t, "M", m.TokenMint)
	assert.Equal(t, 3, m.Count)
	assert.Equal(t, []string{"w1", "w2", "w3"}, m.ParticipatingWallets)
	assert.InDelta(t, 68.33, m.AvgScore, 0.01)
	assert.InDelta(t, 0.9, m.Confidence, 1e-9)
	assert.True(t, m.FirstSeen.Equal(now.Add(-time.Second)))

	assert.Equal(t, "N", opps[1].TokenMint)
	assert.InDelta(t, 0.6, opps[1].Confidence, 1e-9)

	assert.Empty(t, tr.Flush(), "flush starts a new tick")
	assert.Equal(t, int64(2), tr.Stats().OpportunitiesBuilt)
}

func TestTracker_WalletCountsOncePerMint(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.Record(signal("w1", "M", 80, now))
	tr.Record(domain.CopySignal{WalletAddress: "w1", WalletScore: 80, TokenMint: "M", Signature: "other", FirstSeen: now})

	opps := tr.Flush()
	require.Len(t, opps, 1)
	assert.Equal(t, 1, opps[0].Count)
	assert.Len(t, opps[0].Signals, 2)
	assert.Equal(t, int64(2), tr.Stats().SignalsRecorded)
}
