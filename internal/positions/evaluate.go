package positions

import (
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/domain"
)

// Trigger names the exit condition that fired.
type Trigger string

const (
	TriggerStopLoss     Trigger = "STOP_LOSS"
	TriggerTakeProfit   Trigger = "TAKE_PROFIT"
	TriggerTrailingStop Trigger = "TRAILING_STOP"
)

// ExitDecision is the outcome of Evaluate.
type ExitDecision struct {
	Exit     bool            `json:"exit"`
	Trigger  Trigger         `json:"trigger,omitempty"`
	PnLPct   decimal.Decimal `json:"pnl_pct"`
	Price    decimal.Decimal `json:"price"`
	High     decimal.Decimal `json:"high"`
	Drawdown decimal.Decimal `json:"drawdown"`
}

// Evaluate checks stop-loss, take-profit and trailing stop in that order.
// high is the highest price seen so far (zero if none); the returned High
// includes price. trailingPct <= 0 disables the trailing stop.
func Evaluate(pos domain.Position, price, high decimal.Decimal, trailingPct float64) ExitDecision {
	d := ExitDecision{Price: price, High: decimal.Max(high, price)}
	if !pos.IsOpen || !pos.EntryPrice.IsPositive() || !price.IsPositive() {
		return d
	}
	d.PnLPct = price.Sub(pos.EntryPrice).Div(pos.EntryPrice)

	if pos.StopLossPct != nil && *pos.StopLossPct > 0 {
		if d.PnLPct.LessThanOrEqual(decimal.NewFromFloat(-*pos.StopLossPct)) {
			d.Exit, d.Trigger = true, TriggerStopLoss
			return d
		}
	}

	if pos.TakeProfitPct != nil && *pos.TakeProfitPct > 0 {
		if d.PnLPct.GreaterThanOrEqual(decimal.NewFromFloat(*pos.TakeProfitPct)) {
			d.Exit, d.Trigger = true, TriggerTakeProfit
			return d
		}
	}

	if trailingPct > 0 && d.High.IsPositive() {
		d.Drawdown = d.High.Sub(price).Div(d.High)
		if d.Drawdown.GreaterThanOrEqual(decimal.NewFromFloat(trailingPct)) {
			d.Exit, d.Trigger = true, TriggerTrailingStop
		}
	}
	return d
}
