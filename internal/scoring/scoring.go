// Package scoring produces buy recommendations for newly discovered tokens.
package scoring

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/nexus-trading/tradecore/internal/config"
)

// Action is the recommended action.
type Action string

const (
	ActionStrongBuy Action = "strong_buy"
	ActionBuy       Action = "buy"
	ActionHold      Action = "hold"
	ActionAvoid     Action = "avoid"
)

// TokenData is what a scorer sees about a token.
type TokenData struct {
	Mint         string   `json:"mint"`
	Symbol       string   `json:"symbol"`
	Name         string   `json:"name"`
	LiquidityUSD float64  `json:"liquidity_usd"`
	PriceUSD     *float64 `json:"price_usd,omitempty"`
	AgeSeconds   int64    `json:"age_seconds"`
	Source       string   `json:"source"`
	DEX          string   `json:"dex,omitempty"`
	RiskScore    int      `json:"risk_score"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Sentiment is an optional social-sentiment enrichment. Score is in [-1, 1].
type Sentiment struct {
	Score    float64 `json:"score"`
	Mentions int     `json:"mentions"`
	Summary  string  `json:"summary,omitempty"`
}

// Community is an optional community-signal enrichment. Score is in [0, 1].
type Community struct {
	Score   float64 `json:"score"`
	Members int     `json:"members"`
}

// Recommendation is a scorer's verdict.
type Recommendation struct {
	Action       Action  `json:"action"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	RiskLevel    string  `json:"risk_level"`
	PositionSize float64 `json:"position_size"`
}

// Scorer rates a token. sentiment and community may be nil.
type Scorer interface {
	AnalyzeOpportunity(ctx context.Context, token TokenData, portfolioValue float64, sentiment *Sentiment, community *Community) (*Recommendation, error)
}

// SentimentProvider supplies social sentiment for a token.
type SentimentProvider interface {
	AnalyzeTokenSentiment(ctx context.Context, mint, symbol string) (*Sentiment, error)
}

// CommunityProvider supplies a community signal for a token.
type CommunityProvider interface {
	CommunitySignal(ctx context.Context, mint string) (*Community, error)
}

// NewFromConfig returns the configured scorer.
func NewFromConfig(cfg config.ScoringConfig) (Scorer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "heuristic":
		return NewHeuristicScorer(DefaultWeights()), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("scoring: http provider needs a url")
		}
		return NewHTTPScorer(cfg.URL, cfg.APIKey, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("scoring: unknown provider %q", cfg.Provider)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// RiskLevel maps a protection risk score to a label.
func RiskLevel(riskScore int) string {
	switch {
	case riskScore < 30:
		return "low"
	case riskScore < 60:
		return "medium"
	default:
		return "high"
	}
}
