// Package sniper turns newly discovered tokens into fast, bundle-submitted
// buys. Every attempt is a durable SnipeRun that moves along the snipe state
// graph; manual watches survive restarts and are replayed by Recover.
package sniper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/executor"
	"github.com/nexus-trading/tradecore/internal/liquidity"
	"github.com/nexus-trading/tradecore/internal/protection"
	"github.com/nexus-trading/tradecore/internal/risk"
	"github.com/nexus-trading/tradecore/internal/scoring"
	"github.com/nexus-trading/tradecore/internal/solana"
	"github.com/nexus-trading/tradecore/internal/storage"
)

// Admission and post-analysis rejection reasons.
const (
	RejectPaused      = "paused"
	RejectDailyCap    = "daily_cap"
	RejectInterval    = "min_interval"
	RejectLiquidity   = "liquidity"
	RejectBalance     = "balance"
	RejectProtection  = "protection"
	RejectScorer      = "scorer_error"
	RejectExecution   = "execution_failed"
	RejectWatchExpiry = "watch_expired"
	RejectDrain       = "liquidity_drain"
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Buyer opens positions. Satisfied by *executor.Executor.
type Buyer interface {
	ExecuteBuy(ctx context.Context, req executor.BuyRequest) (*executor.TradeResult, error)
}

// LiquiditySource reports current pool liquidity for a mint.
type LiquiditySource interface {
	LiquidityUSD(ctx context.Context, mint string) (float64, error)
}

// TrendTracker classifies the liquidity series of a manual watch.
// Satisfied by *liquidity.Tracker.
type TrendTracker interface {
	Observe(key string, usd float64) liquidity.Trend
	Forget(key string)
}

// PositionRegistrar adds a fresh position to the monitor's active set.
type PositionRegistrar interface {
	Register(userID int64, positionID string)
}

// AutoTraderState reports whether a user's auto-trader is running.
type AutoTraderState interface {
	Running(userID int64) bool
}

// Pauser is the global entry switch.
type Pauser interface {
	Paused() bool
}

// FeeEstimator suggests a priority fee for competitive entries.
type FeeEstimator interface {
	EstimateFee(level solana.CongestionLevel) uint64
}

// Store is the persistence surface of the controller.
type Store interface {
	storage.UserStore
	storage.SnipeStore
}

// Option configures a Controller.
type Option func(*Controller)

func WithSentiment(p scoring.SentimentProvider) Option {
	return func(c *Controller) { c.sentiment = p }
}

func WithCommunity(p scoring.CommunityProvider) Option {
	return func(c *Controller) { c.community = p }
}

func WithPublisher(p *bus.Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

func WithAuditTrail(t *audit.Trail) Option {
	return func(c *Controller) { c.trail = t }
}

// WithPositions registers executed snipes with the position monitor while
// the user's auto-trader is running.
func WithPositions(reg PositionRegistrar, state AutoTraderState) Option {
	return func(c *Controller) {
		c.registrar = reg
		c.autoState = state
	}
}

func WithPauser(p Pauser) Option {
	return func(c *Controller) { c.pauser = p }
}

func WithFeeEstimator(f FeeEstimator) Option {
	return func(c *Controller) { c.fees = f }
}

// WithLiquidityTrend aborts manual watches whose pool is being drained
// before the target is reached.
func WithLiquidityTrend(t TrendTracker) Option {
	return func(c *Controller) { c.trends = t }
}

// ---------------------------------------------------------------------------
// Controller
// ---------------------------------------------------------------------------

type watcher struct {
	run    *domain.SnipeRun
	cancel context.CancelFunc
}

// Controller runs the sniper pipeline for every sniper-enabled user.
type Controller struct {
	config    config.SniperConfig
	store     Store
	buyer     Buyer
	protector risk.Protector
	liquidity LiquiditySource
	balance   risk.BalanceFunc
	scorer    scoring.Scorer

	sentiment scoring.SentimentProvider
	community scoring.CommunityProvider
	publisher *bus.Publisher
	trail     *audit.Trail
	registrar PositionRegistrar
	autoState AutoTraderState
	pauser    Pauser
	fees      FeeEstimator
	trends    TrendTracker
	now       func() time.Time

	sem      chan struct{}
	inflight sync.WaitGroup

	userMu    sync.Mutex
	userLocks map[int64]*sync.Mutex

	// Manual watchers outlive the request that created them.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	watchWG    sync.WaitGroup
	mu         sync.Mutex
	watchers   map[string]*watcher

	rejectMu sync.Mutex
	rejected map[string]int64

	events    atomic.Int64
	evaluated atomic.Int64
	analyzed  atomic.Int64
	skipped   atomic.Int64
	executed  atomic.Int64
	failed    atomic.Int64
	timeouts  atomic.Int64
	recovered atomic.Int64
}

// New creates the controller. Zero config values take the defaults
// (16 concurrent analyses, 60s between snipes, risk ceiling 70, 10 minute
// watches polled every second).
func New(cfg config.SniperConfig, store Store, buyer Buyer, protector risk.Protector, liq LiquiditySource, balance risk.BalanceFunc, scorer scoring.Scorer, opts ...Option) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 60 * time.Second
	}
	if cfg.MaxRiskScore <= 0 {
		cfg.MaxRiskScore = 70
	}
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = 10 * time.Minute
	}
	if cfg.WatchPoll <= 0 {
		cfg.WatchPoll = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config:     cfg,
		store:      store,
		buyer:      buyer,
		protector:  protector,
		liquidity:  liq,
		balance:    balance,
		scorer:     scorer,
		now:        time.Now,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		userLocks:  make(map[int64]*sync.Mutex),
		baseCtx:    ctx,
		baseCancel: cancel,
		watchers:   make(map[string]*watcher),
		rejected:   make(map[string]int64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run consumes discovery events until ctx ends, then stops the watchers.
// In-flight pipelines are allowed to finish.
func (c *Controller) Run(ctx context.Context, events <-chan domain.NewTokenEvent) error {
	log.Info().Int("max_concurrent", cap(c.sem)).Dur("min_interval", c.config.MinInterval).Msg("sniper: started")
	defer c.Stop()
	for {
		select {
		case <-ctx.Done():
			c.inflight.Wait()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.inflight.Wait()
				return nil
			}
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				c.inflight.Wait()
				return ctx.Err()
			}
			c.inflight.Add(1)
			go func() {
				defer func() {
					<-c.sem
					c.inflight.Done()
				}()
				c.HandleEvent(ctx, ev)
			}()
		}
	}
}

// Stop cancels manual watchers and waits for them. Their rows stay
// MONITORING so Recover picks them up on the next boot.
func (c *Controller) Stop() {
	c.baseCancel()
	c.watchWG.Wait()
}

// HandleEvent evaluates one discovered token for every sniper-enabled user.
func (c *Controller) HandleEvent(ctx context.Context, ev domain.NewTokenEvent) {
	c.events.Add(1)
	if c.paused() {
		c.reject(RejectPaused)
		return
	}
	users, err := c.store.ListSniperUsers(ctx)
	if err != nil {
		log.Error().Err(err).Str("mint", ev.Address).Msg("sniper: list users failed")
		return
	}
	for _, st := range users {
		if ctx.Err() != nil {
			return
		}
		c.evaluate(ctx, st, ev)
	}
}

func (c *Controller) evaluate(ctx context.Context, st *domain.Settings, ev domain.NewTokenEvent) {
	c.evaluated.Add(1)
	now := c.now()
	if st.ResetSniperDayIfNeeded(now) {
		if _, err := c.store.ResetSniperDay(ctx, st.UserID, st.SniperLastReset); err != nil {
			log.Warn().Err(err).Int64("user_id", st.UserID).Msg("sniper: daily reset not persisted")
		}
	}

	if reason := c.admit(st, now); reason != "" {
		c.reject(reason)
		return
	}
	if ev.LiquidityUSD < st.SniperMinLiquidityUSD {
		c.reject(RejectLiquidity)
		log.Debug().Int64("user_id", st.UserID).Str("mint", ev.Address).
			Float64("liquidity", ev.LiquidityUSD).Float64("min", st.SniperMinLiquidityUSD).
			Msg("sniper: liquidity below user minimum")
		return
	}
	bal, err := c.balanceOf(ctx, st.UserID)
	if err != nil || bal.LessThan(st.SniperMaxAmount) {
		c.reject(RejectBalance)
		log.Debug().Err(err).Int64("user_id", st.UserID).Str("balance", bal.String()).Msg("sniper: insufficient balance")
		return
	}

	run := &domain.SnipeRun{
		SnipeID:           uuid.NewString(),
		UserID:            st.UserID,
		TokenMint:         ev.Address,
		TokenSymbol:       ev.Symbol,
		AmountSOL:         st.SniperMaxAmount,
		DecisionTimestamp: now,
		ContextJSON:       marshal(map[string]any{"source": ev.Source, "dex": ev.DEX, "liquidity_usd": ev.LiquidityUSD}),
	}
	token := scoring.TokenData{
		Mint:         ev.Address,
		Symbol:       ev.Symbol,
		Name:         ev.Name,
		LiquidityUSD: ev.LiquidityUSD,
		PriceUSD:     ev.PriceUSD,
		AgeSeconds:   int64(ev.Age(now).Seconds()),
		Source:       string(ev.Source),
		DEX:          ev.DEX,
	}
	c.pipeline(ctx, st, run, token, bal)
}

// admit checks the per-user counters. Returns the rejection reason or "".
func (c *Controller) admit(st *domain.Settings, now time.Time) string {
	if st.SniperDailyUsed >= st.SniperMaxDaily {
		return RejectDailyCap
	}
	if st.SniperLastSnipeAt != nil && now.Sub(*st.SniperLastSnipeAt) < c.config.MinInterval {
		return RejectInterval
	}
	return ""
}

// pipeline runs protection, scoring, gating and execution for one run. A
// manual run arrives persisted in MONITORING; an automatic one is unsaved
// until it is analyzed.
func (c *Controller) pipeline(ctx context.Context, st *domain.Settings, run *domain.SnipeRun, token scoring.TokenData, balance decimal.Decimal) {
	report := c.protect(ctx, run.TokenMint)
	if report == nil || !report.IsSafe || report.RiskScore > c.config.MaxRiskScore {
		c.reject(RejectProtection)
		ev := log.Info().Int64("user_id", run.UserID).Str("mint", run.TokenMint)
		if report != nil {
			ev = ev.Bool("safe", report.IsSafe).Int("risk_score", report.RiskScore).Strs("warnings", report.Warnings)
		}
		ev.Msg("sniper: protection rejected token")
		if run.Status != "" {
			c.fail(ctx, run, RejectProtection)
		}
		return
	}
	token.RiskScore = report.RiskScore
	token.Warnings = report.Warnings

	sentiment, community := c.enrich(ctx, token)
	rec, err := c.scorer.AnalyzeOpportunity(ctx, token, balance.InexactFloat64(), sentiment, community)
	if err != nil || rec == nil {
		log.Warn().Err(err).Str("mint", run.TokenMint).Msg("sniper: scorer failed")
		c.fail(ctx, run, RejectScorer)
		return
	}

	confidence := rec.Confidence
	action := string(rec.Action)
	snapshot := marshal(map[string]any{"token": token, "recommendation": rec, "sentiment": sentiment, "community": community})
	if err := c.transition(ctx, run, domain.SnipeAnalyzed, domain.SnipeUpdate{
		AIConfidence:     &confidence,
		AIRecommendation: &action,
		AISnapshotJSON:   &snapshot,
	}, ""); err != nil {
		return
	}
	c.analyzed.Add(1)

	if st.SniperOnlyStrongBuy && rec.Action != scoring.ActionStrongBuy {
		c.skip(ctx, run, domain.SkipNotStrongBuy)
		return
	}
	if rec.Confidence < st.SniperMinAIConfidence {
		c.skip(ctx, run, domain.SkipLowConfidence)
		return
	}
	c.execute(ctx, run, token)
}

// execute holds the user's lock from the final counter check to the counter
// update so concurrent events cannot overrun the daily cap.
func (c *Controller) execute(ctx context.Context, run *domain.SnipeRun, token scoring.TokenData) {
	lock := c.userLock(run.UserID)
	lock.Lock()
	defer lock.Unlock()

	st, err := c.store.GetSettings(ctx, run.UserID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", run.UserID).Msg("sniper: reload settings failed")
		c.fail(ctx, run, RejectExecution)
		return
	}
	now := c.now()
	st.ResetSniperDayIfNeeded(now)
	if reason := c.admit(st, now); reason != "" && !(run.IsManual && reason == RejectInterval) {
		c.reject(reason)
		c.skip(ctx, run, reason)
		return
	}

	triggered := now
	if err := c.transition(ctx, run, domain.SnipeExecuting, domain.SnipeUpdate{TriggeredAt: &triggered}, ""); err != nil {
		return
	}

	// The buy outlives shutdown once submitted.
	buyCtx := context.WithoutCancel(ctx)
	res, err := c.buyer.ExecuteBuy(buyCtx, executor.BuyRequest{
		UserID:              run.UserID,
		TokenMint:           run.TokenMint,
		AmountSOL:           run.AmountSOL,
		TokenSymbol:         token.Symbol,
		Reason:              "sniper",
		Context:             domain.ContextSniper,
		Mode:                executor.ModeBundle,
		PriorityFeeLamports: c.priorityFee(),
		TipLamports:         c.config.TipLamports,
		Metadata:            map[string]any{"snipe_id": run.SnipeID, "manual": run.IsManual},
	})
	done := c.now()
	if err != nil || res == nil || !res.Success {
		detail := map[string]any{}
		if err != nil {
			detail["error"] = err.Error()
		}
		if res != nil {
			detail["error"], detail["gate"], detail["signature"] = res.Error, res.Gate, res.Signature
		}
		ctxJSON := marshal(detail)
		c.failed.Add(1)
		c.reject(RejectExecution)
		log.Warn().Err(err).Int64("user_id", run.UserID).Str("mint", run.TokenMint).Interface("detail", detail).Msg("sniper: buy failed")
		c.transition(buyCtx, run, domain.SnipeFailed, domain.SnipeUpdate{CompletedAt: &done, ContextJSON: &ctxJSON}, RejectExecution)
		return
	}

	if err := c.store.IncrementSniperUsage(buyCtx, run.UserID, done, domain.StartOfDay(done)); err != nil {
		log.Error().Err(err).Int64("user_id", run.UserID).Msg("sniper: counter update failed")
	}

	posID := ""
	if res.Position != nil {
		posID = res.Position.PositionID
		if c.registrar != nil && c.autoState != nil && c.autoState.Running(run.UserID) {
			c.registrar.Register(run.UserID, posID)
		}
	}
	ctxJSON := marshal(map[string]any{"signature": res.Signature, "position_id": posID, "dry_run": res.DryRun})
	if err := c.transition(buyCtx, run, domain.SnipeExecuted, domain.SnipeUpdate{CompletedAt: &done, ContextJSON: &ctxJSON}, ""); err != nil {
		return
	}
	c.executed.Add(1)
	log.Info().
		Int64("user_id", run.UserID).
		Str("snipe_id", run.SnipeID).
		Str("mint", run.TokenMint).
		Str("amount_sol", run.AmountSOL.String()).
		Str("signature", res.Signature).
		Bool("manual", run.IsManual).
		Msg("sniper: snipe executed")
}

// ---------------------------------------------------------------------------
// State transitions
// ---------------------------------------------------------------------------

// transition validates and persists a status change, then publishes it.
func (c *Controller) transition(ctx context.Context, run *domain.SnipeRun, to domain.SnipeStatus, u domain.SnipeUpdate, reason string) error {
	from := run.Status
	if !domain.CanTransition(from, to) {
		err := fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, from, to)
		log.Error().Err(err).Str("snipe_id", run.SnipeID).Msg("sniper: transition refused")
		return err
	}
	apply(run, u)
	run.Status = to

	var err error
	if from == "" {
		err = c.store.UpsertSnipeRun(ctx, run)
	} else {
		err = c.store.UpdateSnipeStatus(ctx, run.SnipeID, to, u)
	}
	if err != nil {
		run.Status = from
		log.Error().Err(err).Str("snipe_id", run.SnipeID).Str("to", string(to)).Msg("sniper: persist transition failed")
		return err
	}

	c.publisher.SnipeTransition(ctx, *run, from, reason)
	c.trail.RecordSnipe(run.UserID, run.SnipeID, run.TokenMint, string(from), string(to), reason)
	log.Debug().Str("snipe_id", run.SnipeID).Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("sniper: transition")
	return nil
}

func (c *Controller) skip(ctx context.Context, run *domain.SnipeRun, reason string) {
	done := c.now()
	if c.transition(ctx, run, domain.SnipeSkipped, domain.SnipeUpdate{SkipReason: &reason, CompletedAt: &done}, reason) == nil {
		c.skipped.Add(1)
	}
}

// fail moves a persisted run to FAILED. Unsaved automatic runs are dropped.
func (c *Controller) fail(ctx context.Context, run *domain.SnipeRun, reason string) {
	if run.Status == "" && !run.IsManual {
		return
	}
	done := c.now()
	detail := marshal(map[string]string{"error": reason})
	if c.transition(ctx, run, domain.SnipeFailed, domain.SnipeUpdate{CompletedAt: &done, ContextJSON: &detail}, reason) == nil {
		c.failed.Add(1)
	}
}

func apply(run *domain.SnipeRun, u domain.SnipeUpdate) {
	if u.AIConfidence != nil {
		run.AIConfidence = u.AIConfidence
	}
	if u.AIRecommendation != nil {
		run.AIRecommendation = u.AIRecommendation
	}
	if u.AISnapshotJSON != nil {
		run.AISnapshotJSON = *u.AISnapshotJSON
	}
	if u.SkipReason != nil {
		run.SkipReason = *u.SkipReason
	}
	if u.TriggeredAt != nil {
		run.TriggeredAt = u.TriggeredAt
	}
	if u.CompletedAt != nil {
		run.CompletedAt = u.CompletedAt
	}
	if u.ContextJSON != nil {
		run.ContextJSON = *u.ContextJSON
	}
}

// ---------------------------------------------------------------------------
// Manual watches
// ---------------------------------------------------------------------------

// Watch stores a MONITORING run for mint and waits in the background until
// its liquidity reaches targetLiquidity, then runs the pipeline.
func (c *Controller) Watch(ctx context.Context, userID int64, mint string, amount decimal.Decimal, targetLiquidity float64) (*domain.SnipeRun, error) {
	if mint == "" || !amount.IsPositive() {
		return nil, fmt.Errorf("sniper: %w: mint and positive amount required", storage.ErrInvalidInput)
	}
	if err := c.store.EnsureUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("sniper: ensure user: %w", err)
	}
	now := c.now()
	expires := now.Add(c.config.WatchTimeout)
	run := &domain.SnipeRun{
		SnipeID:            uuid.NewString(),
		UserID:             userID,
		TokenMint:          mint,
		AmountSOL:          amount,
		DecisionTimestamp:  now,
		IsManual:           true,
		TargetLiquidityUSD: targetLiquidity,
		ExpiresAt:          &expires,
	}
	if err := c.transition(ctx, run, domain.SnipeMonitoring, domain.SnipeUpdate{}, "manual_watch"); err != nil {
		return nil, err
	}
	c.spawn(run)
	log.Info().Int64("user_id", userID).Str("snipe_id", run.SnipeID).Str("mint", mint).
		Float64("target_liquidity", targetLiquidity).Time("expires_at", expires).Msg("sniper: watch started")
	cp := *run
	return &cp, nil
}

// Recover replays MONITORING rows after a restart. Expired rows time out;
// the rest get a fresh watcher. Returns the number of watchers started.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	rows, err := c.store.ListSnipeRunsByStatus(ctx, domain.SnipeMonitoring)
	if err != nil {
		return 0, fmt.Errorf("sniper: list monitoring runs: %w", err)
	}
	now := c.now()
	started := 0
	for _, run := range rows {
		if run.ExpiresAt != nil && !now.Before(*run.ExpiresAt) {
			c.timeout(ctx, run)
			continue
		}
		if run.ExpiresAt == nil {
			exp := run.DecisionTimestamp.Add(c.config.WatchTimeout)
			run.ExpiresAt = &exp
		}
		if c.spawn(run) {
			started++
		}
	}
	c.recovered.Add(int64(started))
	if len(rows) > 0 {
		log.Info().Int("monitoring", len(rows)).Int("resumed", started).Msg("sniper: recovered manual watches")
	}
	return started, nil
}

// spawn starts a watcher unless one already runs for the snipe.
func (c *Controller) spawn(run *domain.SnipeRun) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watchers[run.SnipeID]; ok {
		return false
	}
	if c.baseCtx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithDeadline(c.baseCtx, *run.ExpiresAt)
	c.watchers[run.SnipeID] = &watcher{run: run, cancel: cancel}
	c.watchWG.Add(1)
	go c.watch(ctx, run)
	return true
}

func (c *Controller) watch(ctx context.Context, run *domain.SnipeRun) {
	defer c.watchWG.Done()
	defer func() {
		c.mu.Lock()
		if w, ok := c.watchers[run.SnipeID]; ok {
			w.cancel()
			delete(c.watchers, run.SnipeID)
		}
		c.mu.Unlock()
		if c.trends != nil {
			c.trends.Forget(run.SnipeID)
		}
	}()

	ticker := time.NewTicker(c.config.WatchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.timeout(context.WithoutCancel(ctx), run)
			}
			return
		case <-ticker.C:
		}
		if c.paused() {
			continue
		}
		liq, err := c.liquidity.LiquidityUSD(ctx, run.TokenMint)
		if err != nil {
			log.Debug().Err(err).Str("snipe_id", run.SnipeID).Msg("sniper: liquidity poll failed")
			continue
		}
		if c.trends != nil {
			if tr := c.trends.Observe(run.SnipeID, liq); tr.Draining() {
				log.Warn().Str("snipe_id", run.SnipeID).Str("mint", run.TokenMint).
					Float64("liquidity", liq).Float64("peak", tr.PeakUSD).Float64("net_short", tr.NetShort).
					Msg("sniper: liquidity draining, watch aborted")
				c.fail(context.WithoutCancel(ctx), run, RejectDrain)
				return
			}
		}
		if liq < run.TargetLiquidityUSD {
			continue
		}

		log.Info().Str("snipe_id", run.SnipeID).Float64("liquidity", liq).Msg("sniper: watch target reached")
		st, err := c.store.GetSettings(ctx, run.UserID)
		if err != nil {
			c.fail(context.WithoutCancel(ctx), run, RejectExecution)
			return
		}
		bal, _ := c.balanceOf(ctx, run.UserID)
		token := scoring.TokenData{
			Mint:         run.TokenMint,
			Symbol:       run.TokenSymbol,
			LiquidityUSD: liq,
			AgeSeconds:   int64(c.now().Sub(run.DecisionTimestamp).Seconds()),
			Source:       "manual",
		}
		// The analysis must not be torn down by the watch deadline.
		c.pipeline(context.WithoutCancel(ctx), st, run, token, bal)
		return
	}
}

func (c *Controller) timeout(ctx context.Context, run *domain.SnipeRun) {
	done := c.now()
	if c.transition(ctx, run, domain.SnipeTimeout, domain.SnipeUpdate{CompletedAt: &done}, RejectWatchExpiry) == nil {
		c.timeouts.Add(1)
		log.Info().Str("snipe_id", run.SnipeID).Str("mint", run.TokenMint).Msg("sniper: watch timed out")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (c *Controller) protect(ctx context.Context, mint string) *protection.Report {
	if c.protector == nil {
		return nil
	}
	return c.protector.ComprehensiveCheck(ctx, mint)
}

// enrich gathers optional signals. Failures degrade to nil (neutral).
func (c *Controller) enrich(ctx context.Context, token scoring.TokenData) (*scoring.Sentiment, *scoring.Community) {
	var s *scoring.Sentiment
	var cm *scoring.Community
	if c.sentiment != nil {
		v, err := c.sentiment.AnalyzeTokenSentiment(ctx, token.Mint, token.Symbol)
		if err != nil {
			log.Debug().Err(err).Str("mint", token.Mint).Msg("sniper: sentiment unavailable")
		} else {
			s = v
		}
	}
	if c.community != nil {
		v, err := c.community.CommunitySignal(ctx, token.Mint)
		if err != nil {
			log.Debug().Err(err).Str("mint", token.Mint).Msg("sniper: community signal unavailable")
		} else {
			cm = v
		}
	}
	return s, cm
}

func (c *Controller) balanceOf(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if c.balance == nil {
		return decimal.Zero, errors.New("sniper: no balance source")
	}
	return c.balance(ctx, userID)
}

// priorityFee is the configured fee, else the estimator's elevated fee.
func (c *Controller) priorityFee() uint64 {
	if c.config.PriorityFeeLamports > 0 {
		return c.config.PriorityFeeLamports
	}
	if c.fees != nil {
		return c.fees.EstimateFee(solana.CongestionHigh)
	}
	return 0
}

func (c *Controller) paused() bool {
	return c.pauser != nil && c.pauser.Paused()
}

func (c *Controller) userLock(userID int64) *sync.Mutex {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	l, ok := c.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.userLocks[userID] = l
	}
	return l
}

func (c *Controller) reject(reason string) {
	c.rejectMu.Lock()
	c.rejected[reason]++
	c.rejectMu.Unlock()
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ---------------------------------------------------------------------------
// Read API
// ---------------------------------------------------------------------------

// ActiveWatch is a manual watch in progress.
type ActiveWatch struct {
	SnipeID         string          `json:"snipe_id"`
	TokenMint       string          `json:"token_mint"`
	AmountSOL       decimal.Decimal `json:"amount_sol"`
	TargetLiquidity float64         `json:"target_liquidity_usd"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// UserStatus is the sniper view of one user.
type UserStatus struct {
	Enabled     bool          `json:"enabled"`
	DailyUsed   int           `json:"daily_used"`
	MaxDaily    int           `json:"max_daily"`
	LastSnipeAt *time.Time    `json:"last_snipe_at,omitempty"`
	Watches     []ActiveWatch `json:"watches"`
}

// Status returns the user's sniper counters and active watches.
func (c *Controller) Status(ctx context.Context, userID int64) (*UserStatus, error) {
	st, err := c.store.GetSettings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("sniper: load settings: %w", err)
	}
	st.ResetSniperDayIfNeeded(c.now())
	out := &UserStatus{
		Enabled:     st.SniperEnabled,
		DailyUsed:   st.SniperDailyUsed,
		MaxDaily:    st.SniperMaxDaily,
		LastSnipeAt: st.SniperLastSnipeAt,
		Watches:     []ActiveWatch{},
	}
	c.mu.Lock()
	for _, w := range c.watchers {
		if w.run.UserID != userID {
			continue
		}
		out.Watches = append(out.Watches, ActiveWatch{
			SnipeID:         w.run.SnipeID,
			TokenMint:       w.run.TokenMint,
			AmountSOL:       w.run.AmountSOL,
			TargetLiquidity: w.run.TargetLiquidityUSD,
			ExpiresAt:       *w.run.ExpiresAt,
		})
	}
	c.mu.Unlock()
	sort.Slice(out.Watches, func(i, j int) bool { return out.Watches[i].ExpiresAt.Before(out.Watches[j].ExpiresAt) })
	return out, nil
}

// History returns the user's most recent snipe runs.
func (c *Controller) History(ctx context.Context, userID int64, limit int) ([]*domain.SnipeRun, error) {
	return c.store.ListSnipeRuns(ctx, userID, limit)
}

// Watching reports whether a watcher runs for snipeID.
func (c *Controller) Watching(snipeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watchers[snipeID]
	return ok
}

// ControllerStats returns pipeline counters.
type ControllerStats struct {
	Events         int64            `json:"events"`
	Evaluated      int64            `json:"evaluated"`
	Analyzed       int64            `json:"analyzed"`
	Skipped        int64            `json:"skipped"`
	Executed       int64            `json:"executed"`
	Failed         int64            `json:"failed"`
	Timeouts       int64            `json:"timeouts"`
	Recovered      int64            `json:"recovered"`
	ActiveWatches  int              `json:"active_watches"`
	InFlight       int              `json:"in_flight"`
	RejectedByGate map[string]int64 `json:"rejected_by_gate"`
}

func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	watches := len(c.watchers)
	c.mu.Unlock()
	c.rejectMu.Lock()
	rejected := make(map[string]int64, len(c.rejected))
	for k, v := range c.rejected {
		rejected[k] = v
	}
	c.rejectMu.Unlock()
	return ControllerStats{
		Events:         c.events.Load(),
		Evaluated:      c.evaluated.Load(),
		Analyzed:       c.analyzed.Load(),
		Skipped:        c.skipped.Load(),
		Executed:       c.executed.Load(),
		Failed:         c.failed.Load(),
		Timeouts:       c.timeouts.Load(),
		Recovered:      c.recovered.Load(),
		ActiveWatches:  watches,
		InFlight:       len(c.sem),
		RejectedByGate: rejected,
	}
}
