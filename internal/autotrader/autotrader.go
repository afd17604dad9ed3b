// Package autotrader follows copy-trade opportunities for users who opted in.
// Each running user gets a serial loop that buys qualifying opportunities and
// hands the resulting positions to the position monitor.
package autotrader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/executor"
	"github.com/nexus-trading/tradecore/internal/queue"
	"github.com/nexus-trading/tradecore/internal/storage"
)

// ErrNoKeypair is returned by Start when the user has no usable signing key.
var ErrNoKeypair = errors.New("autotrader: signing key unavailable")

// Buyer opens positions. Satisfied by *executor.Executor.
type Buyer interface {
	ExecuteBuy(ctx context.Context, req executor.BuyRequest) (*executor.TradeResult, error)
}

// Keys checks that a user's signing key decrypts. Satisfied by *vault.Vault.
type Keys interface {
	GetKeypair(ctx context.Context, userID int64) (solanago.PrivateKey, error)
}

// Tracker is the position monitor. Satisfied by *positions.Manager.
type Tracker interface {
	Track(ctx context.Context, userID int64)
	Untrack(userID int64)
	Register(userID int64, positionID string)
}

// Pauser is the global entry switch.
type Pauser interface {
	Paused() bool
}

// Store is the persistence surface of the controller.
type Store interface {
	storage.UserStore
	storage.TradeStore
	ListOpenPositions(ctx context.Context, userID int64) ([]*domain.Position, error)
}

type session struct {
	userID int64
	inbox  *queue.DropOldest[domain.Opportunity]
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	day         time.Time
	dailyTrades int
	startedAt   time.Time
}

func (s *session) trades(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover(now)
	return s.dailyTrades
}

func (s *session) rollover(now time.Time) {
	if today := domain.StartOfDay(now); today.After(s.day) {
		s.day = today
		s.dailyTrades = 0
	}
}

// Controller owns the per-user auto-trade loops.
type Controller struct {
	config  config.AutoTraderConfig
	store   Store
	buyer   Buyer
	keys    Keys
	tracker Tracker
	pauser  Pauser
	trail   *audit.Trail
	now     func() time.Time

	// Tests drive Cycle directly.
	autoLoop bool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[int64]*session

	received atomic.Int64
	filtered atomic.Int64
	bought   atomic.Int64
	denied   atomic.Int64
	errs     atomic.Int64
	capped   atomic.Int64
}

// New creates the controller. pauser and trail may be nil.
func New(cfg config.AutoTraderConfig, store Store, buyer Buyer, keys Keys, tracker Tracker, pauser Pauser, trail *audit.Trail) *Controller {
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Mode == "" {
		cfg.Mode = string(executor.ModeStandard)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config:     cfg,
		store:      store,
		buyer:      buyer,
		keys:       keys,
		tracker:    tracker,
		pauser:     pauser,
		trail:      trail,
		now:        time.Now,
		autoLoop:   true,
		baseCtx:    ctx,
		baseCancel: cancel,
		sessions:   make(map[int64]*session),
	}
}

// Start verifies the user's signing key, marks auto-trade enabled and starts
// the user's loop. Starting a running user is a no-op.
func (c *Controller) Start(ctx context.Context, userID int64) error {
	if c.Running(userID) {
		return nil
	}
	if _, err := c.keys.GetKeypair(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrNoKeypair, err)
	}
	st, err := c.store.GetSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("autotrader: load settings: %w", err)
	}
	if !st.AutoTradeEnabled {
		if err := c.store.SetAutoTradeEnabled(ctx, userID, true); err != nil {
			return fmt.Errorf("autotrader: enable: %w", err)
		}
	}
	c.spawn(userID)
	return nil
}

// Stop ends the user's loop and disables auto-trade. An in-flight buy
// completes first. Position monitoring continues while positions are open.
func (c *Controller) Stop(ctx context.Context, userID int64) error {
	c.halt(userID)

	if err := c.store.SetAutoTradeEnabled(ctx, userID, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("autotrader: disable: %w", err)
	}
	open, err := c.store.ListOpenPositions(ctx, userID)
	if err == nil && len(open) == 0 {
		c.tracker.Untrack(userID)
	}
	log.Info().Int64("user_id", userID).Int("open_positions", len(open)).Msg("autotrader: stopped")
	return nil
}

// Restore starts loops for every user persisted with auto-trade enabled.
// Users whose key no longer decrypts are skipped.
func (c *Controller) Restore(ctx context.Context) (int, error) {
	users, err := c.store.ListAutoTradeUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("autotrader: list users: %w", err)
	}
	n := 0
	for _, st := range users {
		if _, err := c.keys.GetKeypair(ctx, st.UserID); err != nil {
			log.Warn().Err(err).Int64("user_id", st.UserID).Msg("autotrader: restore skipped, key unavailable")
			continue
		}
		if c.spawn(st.UserID) {
			n++
		}
	}
	return n, nil
}

func (c *Controller) spawn(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[userID]; ok || c.baseCtx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	now := c.now()
	s := &session{
		userID:    userID,
		inbox:     queue.New[domain.Opportunity](c.config.QueueSize),
		cancel:    cancel,
		done:      make(chan struct{}),
		day:       domain.StartOfDay(now),
		startedAt: now,
	}
	c.sessions[userID] = s
	c.tracker.Track(c.baseCtx, userID)

	go func() {
		defer close(s.done)
		if !c.autoLoop {
			<-ctx.Done()
			return
		}
		c.loop(ctx, s)
	}()
	log.Info().Int64("user_id", userID).Dur("interval", c.config.LoopInterval).Str("mode", c.config.Mode).Msg("autotrader: started")
	return true
}

func (c *Controller) halt(userID int64) {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	delete(c.sessions, userID)
	c.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// Running reports whether the user's loop is active.
func (c *Controller) Running(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[userID]
	return ok
}

// Run fans opportunities out to every running user until ctx ends, then
// stops all loops. Enabled flags stay persisted for Restore.
func (c *Controller) Run(ctx context.Context, opps <-chan domain.Opportunity) error {
	defer c.Shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-opps:
			if !ok {
				return nil
			}
			c.Dispatch(o)
		}
	}
}

// Dispatch queues an opportunity for every running user.
func (c *Controller) Dispatch(o domain.Opportunity) {
	c.received.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.inbox.Push(o) {
			log.Debug().Int64("user_id", s.userID).Msg("autotrader: inbox full, dropped oldest")
		}
	}
}

// Shutdown stops every loop.
func (c *Controller) Shutdown() {
	c.baseCancel()
	c.mu.Lock()
	ids := make([]int64, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.halt(id)
	}
}

func (c *Controller) loop(ctx context.Context, s *session) {
	ticker := time.NewTicker(c.config.LoopInterval)
	defer ticker.Stop()
	for {
		if err := c.Cycle(ctx, s.userID); err != nil && ctx.Err() == nil {
			c.errs.Add(1)
			log.Error().Err(err).Int64("user_id", s.userID).Msg("autotrader: cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Cycle runs one iteration of the user's loop: day rollover, caps, then the
// queued opportunities in arrival order. Buys are serial.
func (c *Controller) Cycle(ctx context.Context, userID int64) error {
	c.mu.Lock()
	s, ok := c.sessions[userID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if c.pauser != nil && c.pauser.Paused() {
		return nil
	}

	st, err := c.store.GetSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	now := c.now()
	if s.trades(now) >= st.AutoTradeMaxDaily {
		c.capped.Add(1)
		c.discard(s)
		return nil
	}
	pnl, err := c.store.DailyPnL(ctx, userID, domain.StartOfDay(now))
	if err != nil {
		return fmt.Errorf("daily pnl: %w", err)
	}
	if pnl.LessThanOrEqual(st.DailyLossLimit.Neg()) {
		c.capped.Add(1)
		c.discard(s)
		c.trail.RecordRiskGate(userID, "", "auto_trade_loss_cap", false, "daily_pnl="+pnl.String())
		log.Warn().Int64("user_id", userID).Str("daily_pnl", pnl.String()).Msg("autotrader: daily loss cap reached")
		return nil
	}

	amount := decimal.Min(st.AutoTradeAmountSOL, st.MaxTradeSize)
	for {
		var o domain.Opportunity
		select {
		case <-ctx.Done():
			return nil
		case o = <-s.inbox.C():
		default:
			return nil
		}
		if o.Confidence < st.AutoTradeMinConfidence {
			c.filtered.Add(1)
			c.trail.RecordRiskGate(userID, o.TokenMint, "auto_trade_min_confidence", false,
				fmt.Sprintf("confidence=%.2f min=%.2f", o.Confidence, st.AutoTradeMinConfidence))
			continue
		}
		if s.trades(c.now()) >= st.AutoTradeMaxDaily {
			c.capped.Add(1)
			c.discard(s)
			return nil
		}
		c.buy(ctx, s, o, amount)
	}
}

func (c *Controller) buy(ctx context.Context, s *session, o domain.Opportunity, amount decimal.Decimal) {
	res, err := c.buyer.ExecuteBuy(context.WithoutCancel(ctx), executor.BuyRequest{
		UserID:    s.userID,
		TokenMint: o.TokenMint,
		AmountSOL: amount,
		Reason:    "copy_signal",
		Context:   domain.ContextAutoTrader,
		Mode:      executor.Mode(c.config.Mode),
		Metadata: map[string]any{
			"wallets":    o.ParticipatingWallets,
			"count":      o.Count,
			"avg_score":  o.AvgScore,
			"confidence": o.Confidence,
		},
	})
	switch {
	case err != nil:
		c.errs.Add(1)
		log.Warn().Err(err).Int64("user_id", s.userID).Str("mint", o.TokenMint).Msg("autotrader: buy failed")
		return
	case res == nil || !res.Success:
		c.denied.Add(1)
		ev := log.Info().Int64("user_id", s.userID).Str("mint", o.TokenMint)
		if res != nil {
			ev = ev.Str("gate", string(res.Gate)).Str("reason", res.Error)
		}
		ev.Msg("autotrader: buy rejected")
		return
	}

	s.mu.Lock()
	s.dailyTrades++
	s.mu.Unlock()
	c.bought.Add(1)
	if res.Position != nil {
		c.tracker.Register(s.userID, res.Position.PositionID)
	}
	log.Info().
		Int64("user_id", s.userID).
		Str("mint", o.TokenMint).
		Str("amount_sol", amount.String()).
		Float64("confidence", o.Confidence).
		Int("wallets", o.Count).
		Str("signature", res.Signature).
		Msg("autotrader: copy buy executed")
}

func (c *Controller) discard(s *session) {
	for {
		select {
		case <-s.inbox.C():
		default:
			return
		}
	}
}

// Status is the auto-trader view of one user.
type Status struct {
	Running         bool            `json:"running"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	DailyTrades     int             `json:"daily_trades"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	ActivePositions int             `json:"active_positions"`
	Positions       []string        `json:"positions"`
}

// Status reports the user's loop state, today's counters and open mints.
func (c *Controller) Status(ctx context.Context, userID int64) (*Status, error) {
	now := c.now()
	out := &Status{Positions: []string{}}

	c.mu.Lock()
	s, ok := c.sessions[userID]
	c.mu.Unlock()
	if ok {
		out.Running = true
		started := s.startedAt
		out.StartedAt = &started
		out.DailyTrades = s.trades(now)
	}

	pnl, err := c.store.DailyPnL(ctx, userID, domain.StartOfDay(now))
	if err != nil {
		return nil, fmt.Errorf("autotrader: daily pnl: %w", err)
	}
	out.DailyPnL = pnl

	open, err := c.store.ListOpenPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("autotrader: open positions: %w", err)
	}
	for _, p := range open {
		out.Positions = append(out.Positions, p.TokenMint)
	}
	sort.Strings(out.Positions)
	out.ActivePositions = len(open)
	return out, nil
}

// ControllerStats returns loop counters.
type ControllerStats struct {
	Running     int   `json:"running"`
	Received    int64 `json:"received"`
	Filtered    int64 `json:"filtered"`
	Bought      int64 `json:"bought"`
	Denied      int64 `json:"denied"`
	Errors      int64 `json:"errors"`
	CappedTicks int64 `json:"capped_ticks"`
}

func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	n := len(c.sessions)
	c.mu.Unlock()
	return ControllerStats{
		Running:     n,
		Received:    c.received.Load(),
		Filtered:    c.filtered.Load(),
		Bought:      c.bought.Load(),
		Denied:      c.denied.Load(),
		Errors:      c.errs.Load(),
		CappedTicks: c.capped.Load(),
	}
}
