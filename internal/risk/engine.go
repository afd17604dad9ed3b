// Package risk evaluates the pre-trade gates every buy must pass and holds
// the operator pause switch.
package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/protection"
)

// Gate names one pre-trade check. Gates run in declaration order.
type Gate string

const (
	GateAmount       Gate = "amount_positive"
	GateMaxTradeSize Gate = "max_trade_size"
	GateDailyLoss    Gate = "daily_loss_limit"
	GateBalance      Gate = "balance"
	GateHoneypot     Gate = "honeypot"
	GateLiquidity    Gate = "min_liquidity"
)

// PnLSource reports realized PnL of positions closed since dayStart.
type PnLSource interface {
	DailyPnL(ctx context.Context, userID int64, dayStart time.Time) (decimal.Decimal, error)
}

// Protector runs the protection battery for a mint.
type Protector interface {
	ComprehensiveCheck(ctx context.Context, mint string) *protection.Report
}

// BalanceFunc returns the user's native balance in SOL.
type BalanceFunc func(ctx context.Context, userID int64) (decimal.Decimal, error)

// Intent is a proposed buy.
type Intent struct {
	UserID    int64
	TokenMint string
	AmountSOL decimal.Decimal
	Context   string
}

// Decision is the outcome of Check. Gate is set only when denied.
type Decision struct {
	Allowed   bool               `json:"allowed"`
	Gate      Gate               `json:"gate,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Report    *protection.Report `json:"-"`
	Timestamp int64              `json:"ts"`
}

// Engine evaluates the gates.
//
// The pause switch is lock-free and only consulted by controllers that open
// new positions on their own; exits and operator trades are never paused.
type Engine struct {
	pnl       PnLSource
	balance   BalanceFunc
	protector Protector
	trail     *audit.Trail
	now       func() time.Time

	paused      atomic.Bool
	pauseReason atomic.Value

	allowed atomic.Int64
	denied  atomic.Int64
	pauses  atomic.Int64

	mu     sync.Mutex
	byGate map[Gate]int64
}

// New creates a gate engine. protector may be nil, in which case the
// honeypot and liquidity gates deny.
func New(pnl PnLSource, balance BalanceFunc, protector Protector, trail *audit.Trail) *Engine {
	return &Engine{
		pnl:       pnl,
		balance:   balance,
		protector: protector,
		trail:     trail,
		now:       time.Now,
		byGate:    make(map[Gate]int64),
	}
}

// Check evaluates the gates in order. The first failure denies.
func (e *Engine) Check(ctx context.Context, s *domain.Settings, in Intent) Decision {
	d := e.check(ctx, s, in)
	d.Timestamp = e.now().UnixMicro()

	if d.Allowed {
		e.allowed.Add(1)
		log.Debug().Int64("user_id", in.UserID).Str("mint", in.TokenMint).Msg("risk: allow")
	} else {
		e.denied.Add(1)
		e.mu.Lock()
		e.byGate[d.Gate]++
		e.mu.Unlock()
		log.Warn().
			Int64("user_id", in.UserID).
			Str("mint", in.TokenMint).
			Str("gate", string(d.Gate)).
			Str("reason", d.Reason).
			Msg("risk: deny")
	}
	e.trail.RecordRiskGate(in.UserID, in.TokenMint, string(d.Gate), d.Allowed, d.Reason)
	return d
}

func (e *Engine) check(ctx context.Context, s *domain.Settings, in Intent) Decision {
	deny := func(g Gate, format string, args ...any) Decision {
		return Decision{Gate: g, Reason: fmt.Sprintf(format, args...)}
	}

	if !in.AmountSOL.IsPositive() {
		return deny(GateAmount, "amount %s must be positive", in.AmountSOL)
	}
	if in.AmountSOL.GreaterThan(s.MaxTradeSize) {
		return deny(GateMaxTradeSize, "amount %s exceeds max trade size %s", in.AmountSOL, s.MaxTradeSize)
	}

	pnl, err := e.pnl.DailyPnL(ctx, in.UserID, domain.StartOfDay(e.now()))
	if err != nil {
		return deny(GateDailyLoss, "daily pnl unavailable: %v", err)
	}
	if !pnl.GreaterThan(s.DailyLossLimit.Neg()) {
		return deny(GateDailyLoss, "daily pnl %s reached loss limit %s", pnl.StringFixed(4), s.DailyLossLimit)
	}

	bal, err := e.balance(ctx, in.UserID)
	if err != nil {
		return deny(GateBalance, "balance unavailable: %v", err)
	}
	if bal.LessThan(in.AmountSOL) {
		return deny(GateBalance, "balance %s below amount %s", bal.StringFixed(4), in.AmountSOL)
	}

	if e.protector == nil {
		return deny(GateHoneypot, "no protection battery")
	}
	report := e.protector.ComprehensiveCheck(ctx, in.TokenMint)
	if s.CheckHoneypots && !report.IsSafe {
		d := deny(GateHoneypot, "token unsafe (risk %d)", report.RiskScore)
		d.Report = report
		return d
	}
	if report.LiquidityUSD < s.MinLiquidityUSD {
		d := deny(GateLiquidity, "liquidity $%.0f below $%.0f", report.LiquidityUSD, s.MinLiquidityUSD)
		d.Report = report
		return d
	}
	return Decision{Allowed: true, Report: report}
}

// ---------------------------------------------------------------------------
// Pause switch
// ---------------------------------------------------------------------------

// Pause stops controllers from opening new positions.
func (e *Engine) Pause(reason string) {
	if e.paused.Swap(true) {
		return
	}
	e.pauses.Add(1)
	e.pauseReason.Store(reason)
	log.Warn().Str("reason", reason).Msg("risk: entries paused")
}

// Resume re-enables new entries.
func (e *Engine) Resume() {
	if !e.paused.Swap(false) {
		return
	}
	e.pauseReason.Store("")
	log.Info().Msg("risk: entries resumed")
}

// Paused reports whether new entries are paused.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// EngineStats returns gate counters.
type EngineStats struct {
	Allowed     int64            `json:"allowed"`
	Denied      int64            `json:"denied"`
	DeniedBy    map[string]int64 `json:"denied_by"`
	Paused      bool             `json:"paused"`
	PauseReason string           `json:"pause_reason,omitempty"`
	Pauses      int64            `json:"pauses"`
}

func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	by := make(map[string]int64, len(e.byGate))
	for g, n := range e.byGate {
		by[string(g)] = n
	}
	e.mu.Unlock()
	reason, _ := e.pauseReason.Load().(string)
	return EngineStats{
		Allowed:     e.allowed.Load(),
		Denied:      e.denied.Load(),
		DeniedBy:    by,
		Paused:      e.paused.Load(),
		PauseReason: reason,
		Pauses:      e.pauses.Load(),
	}
}
