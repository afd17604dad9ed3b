package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/protection"
)

type fixedPnL struct {
	pnl decimal.Decimal
	err error
}

func (f fixedPnL) DailyPnL(context.Context, int64, time.Time) (decimal.Decimal, error) {
	return f.pnl, f.err
}

type fixedProtector struct {
	report protection.Report
	calls  int
}

func (f *fixedProtector) ComprehensiveCheck(context.Context, string) *protection.Report {
	f.calls++
	r := f.report
	return &r
}

func balance(sol float64) BalanceFunc {
	return func(context.Context, int64) (decimal.Decimal, error) { return decimal.NewFromFloat(sol), nil }
}

func safeReport() protection.Report {
	return protection.Report{IsSafe: true, LiquidityUSD: 50000, LiquidityKnown: true}
}

func intent(amount float64) Intent {
	return Intent{UserID: 1, TokenMint: "MINT", AmountSOL: decimal.NewFromFloat(amount)}
}

func TestCheck_AllowsValidBuy(t *testing.T) {
	p := &fixedProtector{report: safeReport()}
	e := New(fixedPnL{}, balance(5), p, nil)
	s := domain.DefaultSettings(1)

	d := e.Check(context.Background(), &s, intent(0.5))
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Gate)
	require.NotNil(t, d.Report)
	assert.Equal(t, 1, p.calls)
}

func TestCheck_GateOrder(t *testing.T) {
	s := domain.DefaultSettings(1)
	tests := []struct {
		name    string
		amount  float64
		pnl     fixedPnL
		balance BalanceFunc
		report  protection.Report
		want    Gate
	}{
		{"zero amount", 0, fixedPnL{}, balance(5), safeReport(), GateAmount},
		{"above max trade size", 1.5, fixedPnL{}, balance(5), safeReport(), GateMaxTradeSize},
		{"loss limit reached exactly", 0.5, fixedPnL{pnl: decimal.NewFromFloat(-2)}, balance(5), safeReport(), GateDailyLoss},
		{"pnl lookup failed", 0.5, fixedPnL{err: errors.New("db down")}, balance(5), safeReport(), GateDailyLoss},
		{"insufficient balance", 0.5, fixedPnL{}, balance(0.1), safeReport(), GateBalance},
		{"unsafe token", 0.5, fixedPnL{}, balance(5), protection.Report{IsSafe: false, RiskScore: 80, LiquidityUSD: 50000}, GateHoneypot},
		{"thin liquidity", 0.5, fixedPnL{}, balance(5), protection.Report{IsSafe: true, LiquidityUSD: 500}, GateLiquidity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.pnl, tt.balance, &fixedProtector{report: tt.report}, nil)
			d := e.Check(context.Background(), &s, intent(tt.amount))
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.want, d.Gate)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestCheck_LossJustAboveLimitAllowed(t *testing.T) {
	s := domain.DefaultSettings(1)
	e := New(fixedPnL{pnl: decimal.NewFromFloat(-1.99)}, balance(5), &fixedProtector{report: safeReport()}, nil)
	assert.True(t, e.Check(context.Background(), &s, intent(0.5)).Allowed)
}

func TestCheck_AmountAtMaxTradeSizeAllowed(t *testing.T) {
	s := domain.DefaultSettings(1)
	e := New(fixedPnL{}, balance(5), &fixedProtector{report: safeReport()}, nil)

	in := Intent{UserID: 1, TokenMint: "MINT", AmountSOL: s.MaxTradeSize}
	d := e.Check(context.Background(), &s, in)
	assert.True(t, d.Allowed, d.Reason)

	in.AmountSOL = s.MaxTradeSize.Add(decimal.New(1, -9))
	assert.Equal(t, GateMaxTradeSize, e.Check(context.Background(), &s, in).Gate)
}

func TestCheck_HoneypotGateRespectsSetting(t *testing.T) {
	s := domain.DefaultSettings(1)
	s.CheckHoneypots = false
	e := New(fixedPnL{}, balance(5), &fixedProtector{report: protection.Report{IsSafe: false, LiquidityUSD: 50000}}, nil)
	assert.True(t, e.Check(context.Background(), &s, intent(0.5)).Allowed)
}

func TestCheck_EarlyGateSkipsProtection(t *testing.T) {
	s := domain.DefaultSettings(1)
	p := &fixedProtector{report: safeReport()}
	e := New(fixedPnL{}, balance(0), p, nil)
	e.Check(context.Background(), &s, intent(0.5))
	assert.Equal(t, 0, p.calls)
}

func TestCheck_RecordsAudit(t *testing.T) {
	trail := audit.NewTrail(nil, 10)
	s := domain.DefaultSettings(1)
	e := New(fixedPnL{}, balance(5), &fixedProtector{report: safeReport()}, trail)

	e.Check(context.Background(), &s, intent(2))
	entries := trail.Query(1)
	require.Len(t, entries, 1)
	assert.Equal(t, "deny", entries[0].Decision)
	assert.Equal(t, string(GateMaxTradeSize), entries[0].RefID)

	st := e.Stats()
	assert.Equal(t, int64(1), st.Denied)
	assert.Equal(t, int64(1), st.DeniedBy[string(GateMaxTradeSize)])
}

func TestPause_Resume(t *testing.T) {
	e := New(fixedPnL{}, balance(5), nil, nil)
	assert.False(t, e.Paused())

	e.Pause("maintenance")
	e.Pause("again")
	assert.True(t, e.Paused())
	assert.Equal(t, "maintenance", e.Stats().PauseReason)
	assert.Equal(t, int64(1), e.Stats().Pauses)

	e.Resume()
	assert.False(t, e.Paused())
	assert.Empty(t, e.Stats().PauseReason)
}
