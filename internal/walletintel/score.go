package walletintel

import (
	"math"

	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
)

// Scale constants for normalising score inputs.
const (
	profitFactorCeiling = 3.0  // a profit factor of 3 earns the full weight
	recentPnLScaleSOL   = 10.0 // ±10 SOL over 30 days maps to ±1
	fullConfidenceN     = 100  // closed trades for full data-volume weight
)

// Score combines metrics into 0-100 using the configured weights (percent, summing to 100).
func Score(m domain.WalletMetrics, w config.WalletScoreWeights) float64 {
	if m.TotalTrades == 0 {
		return 0
	}
	pf := math.Min(m.ProfitFactor/profitFactorCeiling, 1)
	recent := math.Max(-1, math.Min(1, m.PnL30dSOL/recentPnLScaleSOL))
	volume := math.Min(float64(m.TotalTrades)/fullConfidenceN, 1)

	s := m.WinRate*w.WinRate +
		pf*w.ProfitFactor +
		m.Consistency*w.Consistency +
		(recent+1)/2*w.Recent +
		volume*w.Volume
	s = math.Max(0, math.Min(100, s))
	return math.Round(s*100) / 100
}

// WalletTier buckets a scored wallet.
type WalletTier string

const (
	TierSmartMoney WalletTier = "SMART_MONEY"
	TierWhale      WalletTier = "WHALE"
	TierActive     WalletTier = "ACTIVE"
	TierFresh      WalletTier = "FRESH"
)

// classifyTier: thin histories are FRESH regardless of score.
func classifyTier(m domain.WalletMetrics) WalletTier {
	switch {
	case m.SwapCount < 5:
		return TierFresh
	case m.Score >= 70:
		return TierSmartMoney
	case m.AvgBuySOL >= 10:
		return TierWhale
	default:
		return TierActive
	}
}
