// Package positions monitors open positions per user and exits them through
// the executor when a stop-loss, take-profit or trailing stop fires.
package positions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/executor"
	"github.com/nexus-trading/tradecore/internal/storage"
)

// PriceSource returns a token's price in SOL. Satisfied by *jupiter.Client.
type PriceSource interface {
	GetPriceInSOL(ctx context.Context, mint string) (decimal.Decimal, error)
}

// Seller closes a position. Satisfied by *executor.Executor.
type Seller interface {
	ExecuteSell(ctx context.Context, req executor.SellRequest) (*executor.TradeResult, error)
}

// Store is the persistence the manager needs.
type Store interface {
	storage.UserStore
	storage.PositionStore
}

type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one monitor goroutine per tracked user.
type Manager struct {
	config config.PositionsConfig
	store  Store
	prices PriceSource
	seller Seller
	trail  *audit.Trail

	mu       sync.Mutex
	monitors map[int64]*monitor
	active   map[int64]map[string]struct{}
	highs    map[string]decimal.Decimal

	checks     atomic.Int64
	exits      atomic.Int64
	exitErrors atomic.Int64
	priceErrs  atomic.Int64
}

// NewManager creates a position manager.
func NewManager(cfg config.PositionsConfig, store Store, prices PriceSource, seller Seller, trail *audit.Trail) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	return &Manager{
		config:   cfg,
		store:    store,
		prices:   prices,
		seller:   seller,
		trail:    trail,
		monitors: make(map[int64]*monitor),
		active:   make(map[int64]map[string]struct{}),
		highs:    make(map[string]decimal.Decimal),
	}
}

// Track starts monitoring userID. Tracking an already tracked user is a no-op.
func (m *Manager) Track(ctx context.Context, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[userID]; ok {
		return
	}
	mctx, cancel := context.WithCancel(ctx)
	mon := &monitor{cancel: cancel, done: make(chan struct{})}
	m.monitors[userID] = mon

	go func() {
		defer close(mon.done)
		m.loop(mctx, userID)
	}()
	log.Info().Int64("user_id", userID).Dur("interval", m.config.CheckInterval).Msg("positions: tracking user")
}

// Untrack stops monitoring userID and waits for the current cycle, including
// any in-flight exit, to finish.
func (m *Manager) Untrack(userID int64) {
	m.mu.Lock()
	mon, ok := m.monitors[userID]
	delete(m.monitors, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	mon.cancel()
	<-mon.done
	log.Info().Int64("user_id", userID).Msg("positions: untracked user")
}

// Tracked reports whether userID has a running monitor.
func (m *Manager) Tracked(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.monitors[userID]
	return ok
}

// Register adds a position to the user's active set.
func (m *Manager) Register(userID int64, positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.active[userID]
	if !ok {
		set = make(map[string]struct{})
		m.active[userID] = set
	}
	set[positionID] = struct{}{}
}

// Active returns the registered position ids of userID.
func (m *Manager) Active(userID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active[userID]))
	for id := range m.active[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run tracks every user holding open positions, then blocks until ctx is
// done and stops all monitors.
func (m *Manager) Run(ctx context.Context) error {
	users, err := m.store.ListUsersWithOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("positions: list users: %w", err)
	}
	for _, u := range users {
		m.Track(ctx, u)
	}
	<-ctx.Done()
	m.Stop()
	return ctx.Err()
}

// Stop terminates every monitor. In-flight exits finish first.
func (m *Manager) Stop() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.monitors))
	for id := range m.monitors {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Untrack(id)
	}
}

func (m *Manager) loop(ctx context.Context, userID int64) {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()
	for {
		if _, err := m.CheckUser(ctx, userID); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("positions: check failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckUser evaluates every open position of userID once and returns the
// number of exits executed.
func (m *Manager) CheckUser(ctx context.Context, userID int64) (int, error) {
	open, err := m.store.ListOpenPositions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("positions: list open: %w", err)
	}
	if len(open) == 0 {
		return 0, nil
	}
	settings, err := m.store.GetSettings(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("positions: settings: %w", err)
	}
	trailing := m.config.TrailingStopPct
	if settings.UseTrailingStop {
		trailing = settings.TrailingStopPct
	}

	exits := 0
	for _, pos := range open {
		if ctx.Err() != nil {
			break
		}
		m.checks.Add(1)
		price, err := m.prices.GetPriceInSOL(ctx, pos.TokenMint)
		if err != nil {
			m.priceErrs.Add(1)
			log.Debug().Err(err).Str("mint", pos.TokenMint).Msg("positions: price unavailable")
			continue
		}

		m.mu.Lock()
		d := Evaluate(*pos, price, m.highs[pos.PositionID], trailing)
		m.highs[pos.PositionID] = d.High
		m.mu.Unlock()

		if !d.Exit {
			continue
		}
		if m.exit(ctx, pos, d) {
			exits++
		}
	}
	return exits, nil
}

// exit sells the position. The sell is detached from ctx so that stopping
// the monitor never aborts a submission halfway.
func (m *Manager) exit(ctx context.Context, pos *domain.Position, d ExitDecision) bool {
	reason := "auto_trader:" + string(d.Trigger)
	log.Info().
		Int64("user_id", pos.UserID).
		Str("position_id", pos.PositionID).
		Str("mint", pos.TokenMint).
		Str("trigger", string(d.Trigger)).
		Str("pnl_pct", d.PnLPct.StringFixed(4)).
		Msg("positions: exit triggered")

	res, err := m.seller.ExecuteSell(context.WithoutCancel(ctx), executor.SellRequest{
		UserID:    pos.UserID,
		TokenMint: pos.TokenMint,
		Reason:    reason,
		Context:   domain.ContextAutoTrader,
	})
	if err != nil {
		m.exitErrors.Add(1)
		m.trail.RecordExit(pos.UserID, pos.PositionID, pos.TokenMint, string(d.Trigger), false, d)
		log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("positions: exit failed, position left open")
		return false
	}

	m.exits.Add(1)
	m.trail.RecordExit(pos.UserID, pos.PositionID, pos.TokenMint, string(d.Trigger), true, res)
	m.mu.Lock()
	delete(m.highs, pos.PositionID)
	if set, ok := m.active[pos.UserID]; ok {
		delete(set, pos.PositionID)
	}
	m.mu.Unlock()
	return true
}

// ManagerStats returns monitor counters.
type ManagerStats struct {
	TrackedUsers int   `json:"tracked_users"`
	Checks       int64 `json:"checks"`
	Exits        int64 `json:"exits"`
	ExitErrors   int64 `json:"exit_errors"`
	PriceErrors  int64 `json:"price_errors"`
}

func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	n := len(m.monitors)
	m.mu.Unlock()
	return ManagerStats{
		TrackedUsers: n,
		Checks:       m.checks.Load(),
		Exits:        m.exits.Load(),
		ExitErrors:   m.exitErrors.Load(),
		PriceErrors:  m.priceErrs.Load(),
	}
}
