package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnipeStatus is the state of one snipe attempt.
type SnipeStatus string

const (
	SnipeMonitoring SnipeStatus = "MONITORING"
	SnipeAnalyzed   SnipeStatus = "ANALYZED"
	SnipeExecuting  SnipeStatus = "EXECUTING"
	SnipeExecuted   SnipeStatus = "EXECUTED"
	SnipeSkipped    SnipeStatus = "SKIPPED"
	SnipeFailed     SnipeStatus = "FAILED"
	SnipeTimeout    SnipeStatus = "TIMEOUT"
)

// snipeTransitions is the allowed edge set. The empty status is a run that
// has not been persisted yet.
var snipeTransitions = map[SnipeStatus][]SnipeStatus{
	"":              {SnipeMonitoring, SnipeAnalyzed, SnipeFailed},
	SnipeMonitoring: {SnipeAnalyzed, SnipeTimeout, SnipeFailed},
	SnipeAnalyzed:   {SnipeExecuting, SnipeSkipped, SnipeFailed},
	SnipeExecuting:  {SnipeExecuted, SnipeFailed},
}

// IsTerminal reports whether no further transition is allowed.
func (s SnipeStatus) IsTerminal() bool {
	switch s {
	case SnipeExecuted, SnipeSkipped, SnipeFailed, SnipeTimeout:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the snipe graph.
func CanTransition(from, to SnipeStatus) bool {
	for _, next := range snipeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Skip reasons recorded on SKIPPED runs.
const (
	SkipNotStrongBuy  = "not_strong_buy"
	SkipLowConfidence = "low_confidence"
)

// SnipeRun is the durable record of one sniper decision.
type SnipeRun struct {
	SnipeID            string          `json:"snipe_id"`
	UserID             int64           `json:"user_id"`
	TokenMint          string          `json:"token_mint"`
	TokenSymbol        string          `json:"token_symbol"`
	AmountSOL          decimal.Decimal `json:"amount_sol"`
	Status             SnipeStatus     `json:"status"`
	AIConfidence       *float64        `json:"ai_confidence,omitempty"`
	AIRecommendation   *string         `json:"ai_recommendation,omitempty"`
	AISnapshotJSON     string          `json:"ai_snapshot_json,omitempty"`
	SkipReason         string          `json:"skip_reason,omitempty"`
	DecisionTimestamp  time.Time       `json:"decision_timestamp"`
	TriggeredAt        *time.Time      `json:"triggered_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	IsManual           bool            `json:"is_manual"`
	TargetLiquidityUSD float64         `json:"target_liquidity_usd,omitempty"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	ContextJSON        string          `json:"context_json,omitempty"`
}

// SnipeUpdate carries the optional fields written with a status change.
type SnipeUpdate struct {
	AIConfidence     *float64
	AIRecommendation *string
	AISnapshotJSON   *string
	SkipReason       *string
	TriggeredAt      *time.Time
	CompletedAt      *time.Time
	ContextJSON      *string
}
