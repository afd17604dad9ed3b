package sniper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/executor"
	"github.com/nexus-trading/tradecore/internal/liquidity"
	"github.com/nexus-trading/tradecore/internal/protection"
	"github.com/nexus-trading/tradecore/internal/scoring"
	"github.com/nexus-trading/tradecore/internal/solana"
	"github.com/nexus-trading/tradecore/internal/storage/memory"
)

const user int64 = 7

// --- fakes ---

type fakeBuyer struct {
	mu   sync.Mutex
	reqs []executor.BuyRequest
	fail bool
	// during runs while the buy is in flight.
	during func()
}

func (b *fakeBuyer) ExecuteBuy(_ context.Context, req executor.BuyRequest) (*executor.TradeResult, error) {
	if b.during != nil {
		b.during()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	if b.fail {
		return &executor.TradeResult{Error: "route not found", Signature: "failed-1"}, executor.ErrSwapFailed
	}
	return &executor.TradeResult{
		Success:   true,
		Signature: "sig-" + req.TokenMint,
		AmountSOL: req.AmountSOL,
		Position:  &domain.Position{PositionID: "pos-" + req.TokenMint, UserID: req.UserID, TokenMint: req.TokenMint},
	}, nil
}

func (b *fakeBuyer) calls() []executor.BuyRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]executor.BuyRequest(nil), b.reqs...)
}

type fakeProtector struct {
	report protection.Report
	calls  atomic.Int64
}

func (p *fakeProtector) ComprehensiveCheck(_ context.Context, mint string) *protection.Report {
	p.calls.Add(1)
	r := p.report
	r.Mint = mint
	return &r
}

type fixedScorer struct {
	rec scoring.Recommendation
	err error
}

func (s fixedScorer) AnalyzeOpportunity(context.Context, scoring.TokenData, float64, *scoring.Sentiment, *scoring.Community) (*scoring.Recommendation, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := s.rec
	return &r, nil
}

type liquidityFeed struct{ usd atomic.Int64 }

func (l *liquidityFeed) LiquidityUSD(context.Context, string) (float64, error) {
	return float64(l.usd.Load()), nil
}

type registry struct {
	mu  sync.Mutex
	ids []string
}

func (r *registry) Register(_ int64, id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

type autoState bool

func (a autoState) Running(int64) bool { return bool(a) }

type pauseFlag bool

func (p pauseFlag) Paused() bool { return bool(p) }

// --- harness ---

type harness struct {
	ctrl      *Controller
	store     *memory.Store
	buyer     *fakeBuyer
	protector *fakeProtector
	liquidity *liquidityFeed
	producer  *bus.StubProducer
	trail     *audit.Trail
}

func newHarness(t *testing.T, rec scoring.Recommendation, cfg config.SniperConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		buyer:     &fakeBuyer{},
		protector: &fakeProtector{report: protection.Report{IsSafe: true, RiskScore: 20, LiquidityUSD: 20000, LiquidityKnown: true}},
		liquidity: &liquidityFeed{},
		producer:  bus.NewStubProducer(),
		trail:     audit.NewTrail(nil, 100),
	}
	balance := func(context.Context, int64) (decimal.Decimal, error) { return decimal.NewFromInt(2), nil }
	opts = append([]Option{
		WithPublisher(bus.NewPublisher(h.producer, "tradecore.", "test", "1")),
		WithAuditTrail(h.trail),
	}, opts...)
	if cfg.PriorityFeeLamports == 0 {
		cfg.PriorityFeeLamports = 50_000
	}
	cfg.TipLamports = 10_000
	h.ctrl = New(cfg, h.store, h.buyer, h.protector, h.liquidity, balance, fixedScorer{rec: rec}, opts...)
	t.Cleanup(h.ctrl.Stop)

	h.updateSettings(t, func(s *domain.Settings) { s.SniperEnabled = true })
	return h
}

func (h *harness) updateSettings(t *testing.T, fn func(*domain.Settings)) {
	t.Helper()
	st, err := h.store.GetSettings(context.Background(), user)
	require.NoError(t, err)
	fn(st)
	require.NoError(t, h.store.UpdateSettings(context.Background(), st))
}

func (h *harness) settings(t *testing.T) *domain.Settings {
	t.Helper()
	st, err := h.store.GetSettings(context.Background(), user)
	require.NoError(t, err)
	return st
}

func (h *harness) runs(t *testing.T) []*domain.SnipeRun {
	t.Helper()
	runs, err := h.ctrl.History(context.Background(), user, 50)
	require.NoError(t, err)
	return runs
}

func event(mint string, liquidity float64) domain.NewTokenEvent {
	return domain.NewTokenEvent{
		Address:      mint,
		Symbol:       "TKN",
		LiquidityUSD: liquidity,
		CreatedAtMs:  time.Now().Add(-time.Minute).UnixMilli(),
		Source:       domain.SourcePumpfunDirect,
	}
}

var strongBuy = scoring.Recommendation{Action: scoring.ActionStrongBuy, Confidence: 0.9}

// --- automatic pipeline ---

func TestHandleEvent_ExecutesSnipe(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})

	h.ctrl.HandleEvent(context.Background(), event("M1", 10000))

	calls := h.buyer.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.Equal(t, executor.ModeBundle, req.Mode)
	assert.Equal(t, domain.ContextSniper, req.Context)
	assert.True(t, decimal.NewFromFloat(0.1).Equal(req.AmountSOL))
	assert.Equal(t, uint64(50_000), req.PriorityFeeLamports)
	assert.Equal(t, uint64(10_000), req.TipLamports)

	runs := h.runs(t)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, domain.SnipeExecuted, run.Status)
	require.NotNil(t, run.AIConfidence)
	assert.Equal(t, 0.9, *run.AIConfidence)
	require.NotNil(t, run.AIRecommendation)
	assert.Equal(t, "strong_buy", *run.AIRecommendation)
	assert.NotNil(t, run.TriggeredAt)
	assert.NotNil(t, run.CompletedAt)
	assert.Contains(t, run.ContextJSON, "pos-M1")

	st := h.settings(t)
	assert.Equal(t, 1, st.SniperDailyUsed)
	assert.NotNil(t, st.SniperLastSnipeAt)

	assert.Len(t, h.producer.Messages("tradecore.snipes"), 3, "analyzed, executing, executed")
	assert.Len(t, h.trail.Query(user), 3)
	assert.Equal(t, int64(1), h.ctrl.Stats().Executed)
}

func TestHandleEvent_LiquidityBelowMinimumRejectedBeforeProtection(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})
	h.updateSettings(t, func(s *domain.Settings) { s.SniperMinLiquidityUSD = 5000 })

	h.ctrl.HandleEvent(context.Background(), event("M2", 4000))

	assert.Empty(t, h.runs(t))
	assert.Zero(t, h.protector.calls.Load())
	assert.Empty(t, h.buyer.calls())
	assert.Equal(t, int64(1), h.ctrl.Stats().RejectedByGate[RejectLiquidity])
}

func TestHandleEvent_NotStrongBuySkipped(t *testing.T) {
	h := newHarness(t, scoring.Recommendation{Action: scoring.ActionBuy, Confidence: 0.60}, config.SniperConfig{})
	h.updateSettings(t, func(s *domain.Settings) { s.SniperOnlyStrongBuy = true })

	h.ctrl.HandleEvent(context.Background(), event("M3", 10000))

	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.SnipeSkipped, runs[0].Status)
	assert.Equal(t, domain.SkipNotStrongBuy, runs[0].SkipReason)
	assert.Empty(t, h.buyer.calls())

	var transitions []string
	for _, e := range h.trail.Query(user) {
		transitions = append(transitions, e.Decision)
	}
	assert.Equal(t, []string{"->ANALYZED", "ANALYZED->SKIPPED"}, transitions)
}

func TestHandleEvent_LowConfidenceSkipped(t *testing.T) {
	h := newHarness(t, scoring.Recommendation{Action: scoring.ActionBuy, Confidence: 0.5}, config.SniperConfig{})

	h.ctrl.HandleEvent(context.Background(), event("M4", 10000))

	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.SnipeSkipped, runs[0].Status)
	assert.Equal(t, domain.SkipLowConfidence, runs[0].SkipReason)
}

func TestHandleEvent_ProtectionAborts(t *testing.T) {
	tests := []struct {
		name   string
		report protection.Report
	}{
		{"unsafe", protection.Report{IsSafe: false, RiskScore: 100}},
		{"risk above ceiling", protection.Report{IsSafe: true, RiskScore: 71}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, strongBuy, config.SniperConfig{})
			h.protector.report = tt.report

			h.ctrl.HandleEvent(context.Background(), event("M5", 10000))

			assert.Empty(t, h.runs(t))
			assert.Empty(t, h.buyer.calls())
		})
	}
}

func TestHandleEvent_ScorerErrorLeavesNoRun(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})
	h.ctrl.scorer = fixedScorer{err: errors.New("model down")}

	h.ctrl.HandleEvent(context.Background(), event("M6", 10000))

	assert.Empty(t, h.runs(t))
	assert.Equal(t, int64(1), h.ctrl.Stats().RejectedByGate[RejectScorer])
}

func TestHandleEvent_DailyCap(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})
	h.updateSettings(t, func(s *domain.Settings) {
		s.SniperMaxDaily = 2
		s.SniperDailyUsed = 2
	})

	h.ctrl.HandleEvent(context.Background(), event("M7", 10000))

	assert.Empty(t, h.buyer.calls())
	assert.Equal(t, int64(1), h.ctrl.Stats().RejectedByGate[RejectDailyCap])
}

func TestHandleEvent_DayRolloverResetsCounter(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})
	h.updateSettings(t, func(s *domain.Settings) {
		s.SniperMaxDaily = 2
		s.SniperDailyUsed = 2
		s.SniperLastReset = domain.StartOfDay(time.Now()).AddDate(0, 0, -1)
	})

	h.ctrl.HandleEvent(context.Background(), event("M8", 10000))

	require.Len(t, h.buyer.calls(), 1)
	assert.Equal(t, 1, h.settings(t).SniperDailyUsed)
}

func TestHandleEvent_ConcurrentSettingsChangeSurvivesBuy(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})
	h.updateSettings(t, func(s *domain.Settings) { s.AutoTradeEnabled = true })
	h.buyer.during = func() {
		h.updateSettings(t, func(s *domain.Settings) {
			s.AutoTradeEnabled = false
			s.SniperMinLiquidityUSD = 4321
		})
	}

	h.ctrl.HandleEvent(context.Background(), event("M9", 10000))

	require.Len(t, h.buyer.calls(), 1)
	st := h.settings(t)
	assert.False(t, st.AutoTradeEnabled, "stop issued during the buy is kept")
	assert.Equal(t, 4321.0, st.SniperMinLiquidityUSD)
	assert.Equal(t, 1, st.SniperDailyUsed)
	assert.NotNil(t, st.SniperLastSnipeAt)
}

func TestHandleEvent_MinInterval(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{MinInterval: time.Minute})
	recent := time.Now().Add(-10 * time.Second)
	h.updateSettings(t, func(s *domain.Settings) { s.SniperLastSnipeAt = &recent })

	h.ctrl.HandleEvent(context.Background(), event("M9", 10000))

	assert.Empty(t, h.buyer.calls())
	assert.Equal(t, int64(1), h.ctrl.Stats().RejectedByGate[RejectInterval])
}

func TestHandleEvent_SecondEventWaitsForInterval(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})

	h.ctrl.HandleEvent(context.Background(), event("A", 10000))
	h.ctrl.HandleEvent(context.Background(), event("B", 10000))

	require.Len(t, h.buyer.calls(), 1)
	assert.Equal(t, "A", h.buyer.calls()[0].TokenMint)
}

func TestHandleEvent_BuyFailureMarksFailed(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})
	h.buyer.fail = true

	h.ctrl.HandleEvent(context.Background(), event("M10", 10000))

	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.SnipeFailed, runs[0].Status)
	assert.Contains(t, runs[0].ContextJSON, "route not found")

	st := h.settings(t)
	assert.Zero(t, st.SniperDailyUsed)
	assert.Nil(t, st.SniperLastSnipeAt)
}

func TestHandleEvent_RegistersWithPositionMonitor(t *testing.T) {
	reg := &registry{}
	h := newHarness(t, strongBuy, config.SniperConfig{}, WithPositions(reg, autoState(true)))

	h.ctrl.HandleEvent(context.Background(), event("M11", 10000))

	assert.Equal(t, []string{"pos-M11"}, reg.ids)
}

func TestHandleEvent_NoRegistrationWithoutAutoTrader(t *testing.T) {
	reg := &registry{}
	h := newHarness(t, strongBuy, config.SniperConfig{}, WithPositions(reg, autoState(false)))

	h.ctrl.HandleEvent(context.Background(), event("M12", 10000))

	require.Len(t, h.buyer.calls(), 1)
	assert.Empty(t, reg.ids)
}

func TestHandleEvent_Paused(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{}, WithPauser(pauseFlag(true)))

	h.ctrl.HandleEvent(context.Background(), event("M13", 10000))

	assert.Empty(t, h.buyer.calls())
	assert.Equal(t, int64(1), h.ctrl.Stats().RejectedByGate[RejectPaused])
}

type staticFees map[solana.CongestionLevel]uint64

func (f staticFees) EstimateFee(level solana.CongestionLevel) uint64 { return f[level] }

func TestHandleEvent_EstimatedPriorityFee(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{},
		WithFeeEstimator(staticFees{solana.CongestionNormal: 1_000, solana.CongestionHigh: 80_000}))
	h.ctrl.config.PriorityFeeLamports = 0

	h.ctrl.HandleEvent(context.Background(), event("M15", 10000))

	require.Len(t, h.buyer.calls(), 1)
	assert.Equal(t, uint64(80_000), h.buyer.calls()[0].PriorityFeeLamports)
}

func TestRun_ConsumesUntilClosed(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})
	events := make(chan domain.NewTokenEvent, 1)
	events <- event("M14", 10000)
	close(events)

	require.NoError(t, h.ctrl.Run(context.Background(), events))
	assert.Len(t, h.buyer.calls(), 1)
}

// --- manual watches ---

func TestWatch_ExecutesWhenLiquidityReady(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{WatchPoll: 5 * time.Millisecond, WatchTimeout: 5 * time.Second})

	run, err := h.ctrl.Watch(context.Background(), user, "W1", decimal.NewFromFloat(0.3), 15000)
	require.NoError(t, err)
	assert.Equal(t, domain.SnipeMonitoring, run.Status)
	assert.True(t, run.IsManual)

	status, err := h.ctrl.Status(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, status.Watches, 1)
	assert.Equal(t, "W1", status.Watches[0].TokenMint)

	h.liquidity.usd.Store(20000)
	require.Eventually(t, func() bool {
		r, err := h.store.GetSnipeRun(context.Background(), run.SnipeID)
		return err == nil && r.Status == domain.SnipeExecuted
	}, 2*time.Second, 5*time.Millisecond)

	calls := h.buyer.calls()
	require.Len(t, calls, 1)
	assert.True(t, decimal.NewFromFloat(0.3).Equal(calls[0].AmountSOL), "manual amount is used")
	assert.Eventually(t, func() bool { return !h.ctrl.Watching(run.SnipeID) }, time.Second, 5*time.Millisecond)
}

func TestWatch_TimesOut(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{WatchPoll: 5 * time.Millisecond, WatchTimeout: 40 * time.Millisecond})

	run, err := h.ctrl.Watch(context.Background(), user, "W2", decimal.NewFromFloat(0.1), 15000)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := h.store.GetSnipeRun(context.Background(), run.SnipeID)
		return err == nil && r.Status == domain.SnipeTimeout
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.buyer.calls())
	assert.Equal(t, int64(1), h.ctrl.Stats().Timeouts)
}

func TestWatch_UnsafeTokenFails(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{WatchPoll: 5 * time.Millisecond, WatchTimeout: 5 * time.Second})
	h.protector.report = protection.Report{IsSafe: false, RiskScore: 100}
	h.liquidity.usd.Store(50000)

	run, err := h.ctrl.Watch(context.Background(), user, "W3", decimal.NewFromFloat(0.1), 1000)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := h.store.GetSnipeRun(context.Background(), run.SnipeID)
		return err == nil && r.Status == domain.SnipeFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatch_FailsWhenPoolDrains(t *testing.T) {
	trends := liquidity.NewTracker(liquidity.DefaultConfig())
	h := newHarness(t, strongBuy, config.SniperConfig{WatchPoll: 5 * time.Millisecond, WatchTimeout: 5 * time.Second},
		WithLiquidityTrend(trends))
	h.liquidity.usd.Store(10000)

	run, err := h.ctrl.Watch(context.Background(), user, "W5", decimal.NewFromFloat(0.1), 15000)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := trends.Trend(run.SnipeID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	h.liquidity.usd.Store(2000)
	require.Eventually(t, func() bool {
		r, err := h.store.GetSnipeRun(context.Background(), run.SnipeID)
		return err == nil && r.Status == domain.SnipeFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.buyer.calls())
	assert.Eventually(t, func() bool { return trends.Stats().Tracked == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatch_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{})
	_, err := h.ctrl.Watch(context.Background(), user, "", decimal.NewFromInt(1), 0)
	assert.Error(t, err)
	_, err = h.ctrl.Watch(context.Background(), user, "W4", decimal.Zero, 0)
	assert.Error(t, err)
}

func TestRecover_ReplaysMonitoringRuns(t *testing.T) {
	h := newHarness(t, strongBuy, config.SniperConfig{WatchPoll: time.Hour})
	ctx := context.Background()
	now := time.Now()
	expired := now.Add(-time.Minute)
	live := now.Add(time.Hour)

	for _, r := range []*domain.SnipeRun{
		{SnipeID: "old", UserID: user, TokenMint: "R1", AmountSOL: decimal.NewFromFloat(0.1), Status: domain.SnipeMonitoring, IsManual: true, DecisionTimestamp: now.Add(-time.Hour), ExpiresAt: &expired},
		{SnipeID: "live", UserID: user, TokenMint: "R2", AmountSOL: decimal.NewFromFloat(0.1), Status: domain.SnipeMonitoring, IsManual: true, DecisionTimestamp: now, ExpiresAt: &live},
	} {
		require.NoError(t, h.store.UpsertSnipeRun(ctx, r))
	}

	n, err := h.ctrl.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.ctrl.Watching("live"))
	assert.False(t, h.ctrl.Watching("old"))

	old, err := h.store.GetSnipeRun(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.SnipeTimeout, old.Status)

	// A second replay does not double the watcher.
	n, err = h.ctrl.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.ctrl.Stop()
	still, err := h.store.GetSnipeRun(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, domain.SnipeMonitoring, still.Status, "shutdown leaves the row for the next boot")
}
