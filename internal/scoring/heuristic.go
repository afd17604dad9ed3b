package scoring

import (
	"context"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Heuristic scorer
// Safety, liquidity and timing dimensions with social signals as a bonus.
// ---------------------------------------------------------------------------

// Weights of the scored dimensions. They should sum to 1.
type Weights struct {
	Safety    float64
	Liquidity float64
	Timing    float64
}

func DefaultWeights() Weights {
	return Weights{Safety: 0.45, Liquidity: 0.35, Timing: 0.20}
}

// Thresholds on the 0-100 total.
const (
	strongBuyScore = 85
	buyScore       = 65
	holdScore      = 45
	avoidRisk      = 70
)

// HeuristicScorer is a deterministic local scorer.
type HeuristicScorer struct {
	weights Weights
}

func NewHeuristicScorer(w Weights) *HeuristicScorer {
	return &HeuristicScorer{weights: w}
}

func (h *HeuristicScorer) AnalyzeOpportunity(_ context.Context, t TokenData, portfolioValue float64, sentiment *Sentiment, community *Community) (*Recommendation, error) {
	safety := clamp(100-float64(t.RiskScore), 0, 100)
	liq := liquidityScore(t.LiquidityUSD)
	timing := timingScore(t.AgeSeconds)
	total := h.weights.Safety*safety + h.weights.Liquidity*liq + h.weights.Timing*timing

	var reasons []string
	reasons = append(reasons, fmt.Sprintf("safety %.0f", safety), fmt.Sprintf("liquidity %.0f", liq), fmt.Sprintf("timing %.0f", timing))

	if sentiment != nil && sentiment.Score > 0 {
		bonus := 10 * clamp(sentiment.Score, 0, 1)
		total += bonus
		reasons = append(reasons, fmt.Sprintf("sentiment +%.1f", bonus))
	}
	if community != nil && community.Score > 0.5 {
		total += 5
		reasons = append(reasons, "community +5")
	}
	total = clamp(total, 0, 100)

	action := ActionAvoid
	switch {
	case t.RiskScore > avoidRisk:
		reasons = append(reasons, "risk above limit")
	case total >= strongBuyScore:
		action = ActionStrongBuy
	case total >= buyScore:
		action = ActionBuy
	case total >= holdScore:
		action = ActionHold
	}

	confidence := total / 100
	return &Recommendation{
		Action:       action,
		Confidence:   confidence,
		Reasoning:    strings.Join(reasons, ", "),
		RiskLevel:    RiskLevel(t.RiskScore),
		PositionSize: portfolioValue * 0.05 * confidence,
	}, nil
}

func liquidityScore(usd float64) float64 {
	switch {
	case usd >= 50_000:
		return 100
	case usd >= 20_000:
		return 80
	case usd >= 10_000:
		return 60
	case usd >= 5_000:
		return 40
	case usd >= 1_000:
		return 20
	default:
		return 0
	}
}

// timingScore favours very young tokens. Unknown age scores neutral.
func timingScore(ageSeconds int64) float64 {
	switch {
	case ageSeconds <= 0:
		return 50
	case ageSeconds < 5*60:
		return 100
	case ageSeconds < 30*60:
		return 80
	case ageSeconds < 2*3600:
		return 60
	case ageSeconds < 6*3600:
		return 40
	default:
		return 20
	}
}
