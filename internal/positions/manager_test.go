package positions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/executor"
	"github.com/nexus-trading/tradecore/internal/storage/memory"
)

type priceMap struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (p *priceMap) set(mint string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[mint] = decimal.NewFromFloat(v)
}

func (p *priceMap) GetPriceInSOL(_ context.Context, mint string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.prices[mint]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return v, nil
}

// storeSeller closes positions directly in the store.
type storeSeller struct {
	mu      sync.Mutex
	store   *memory.Store
	fail    bool
	reasons []string
}

func (s *storeSeller) ExecuteSell(ctx context.Context, req executor.SellRequest) (*executor.TradeResult, error) {
	s.mu.Lock()
	s.reasons = append(s.reasons, req.Reason)
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("route gone")
	}
	pos, err := s.store.GetOpenPosition(ctx, req.UserID, req.TokenMint)
	if err != nil {
		return nil, err
	}
	closed, err := s.store.ClosePosition(ctx, pos.PositionID, domain.ExitFields{
		ExitAmountSOL: pos.EntryAmountSOL,
		ExitSignature: "sig-exit",
		ExitTimestamp: time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return &executor.TradeResult{Success: true, Position: closed}, nil
}

func (s *storeSeller) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reasons...)
}

func seedPosition(t *testing.T, store *memory.Store, userID int64, mint string, entry float64) *domain.Position {
	t.Helper()
	sl, tp := 0.15, 0.5
	pos := &domain.Position{
		PositionID:        uuid.New().String(),
		UserID:            userID,
		TokenMint:         mint,
		EntryPrice:        decimal.NewFromFloat(entry),
		EntryAmountSOL:    decimal.NewFromFloat(0.5),
		EntryAmountTokens: decimal.NewFromInt(1000),
		EntrySignature:    "sig-" + mint,
		EntryTimestamp:    time.Now(),
		StopLossPct:       &sl,
		TakeProfitPct:     &tp,
		IsOpen:            true,
	}
	trade := &domain.Trade{ID: uuid.New().String(), UserID: userID, TradeType: domain.TradeBuy, TokenMint: mint, Success: true}
	require.NoError(t, store.OpenPositionWithTrade(context.Background(), trade, pos))
	return pos
}

func newManager(store *memory.Store, prices *priceMap, seller *storeSeller, trail *audit.Trail) *Manager {
	return NewManager(config.PositionsConfig{CheckInterval: 10 * time.Millisecond}, store, prices, seller, trail)
}

func TestCheckUser_ExitsOnStopLoss(t *testing.T) {
	store := memory.NewStore()
	prices := &priceMap{prices: map[string]decimal.Decimal{}}
	seller := &storeSeller{store: store}
	trail := audit.NewTrail(nil, 10)
	m := newManager(store, prices, seller, trail)

	pos := seedPosition(t, store, 1, "LOSER", 0.001)
	seedPosition(t, store, 1, "HOLDER", 0.001)
	m.Register(1, pos.PositionID)
	prices.set("LOSER", 0.00085)
	prices.set("HOLDER", 0.0011)

	n, err := m.CheckUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"auto_trader:STOP_LOSS"}, seller.calls())
	assert.Empty(t, m.Active(1))

	entries := trail.Query(1)
	require.Len(t, entries, 1)
	assert.Equal(t, "executed", entries[0].Decision)
	assert.Equal(t, "STOP_LOSS", entries[0].Reason)
}

func TestCheckUser_TrailingStopUsesSettings(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	s, err := store.GetSettings(ctx, 1)
	require.NoError(t, err)
	s.UseTrailingStop = true
	s.TrailingStopPct = 0.1
	require.NoError(t, store.UpdateSettings(ctx, s))

	prices := &priceMap{prices: map[string]decimal.Decimal{}}
	seller := &storeSeller{store: store}
	m := newManager(store, prices, seller, nil)
	seedPosition(t, store, 1, "RUNNER", 1)

	prices.set("RUNNER", 1.4)
	n, _ := m.CheckUser(ctx, 1)
	assert.Equal(t, 0, n)

	prices.set("RUNNER", 1.25)
	n, _ = m.CheckUser(ctx, 1)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"auto_trader:TRAILING_STOP"}, seller.calls())
}

func TestCheckUser_FailedExitLeavesPositionOpen(t *testing.T) {
	store := memory.NewStore()
	prices := &priceMap{prices: map[string]decimal.Decimal{}}
	seller := &storeSeller{store: store, fail: true}
	m := newManager(store, prices, seller, nil)
	seedPosition(t, store, 1, "TP", 1)
	prices.set("TP", 2)

	n, err := m.CheckUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(1), m.Stats().ExitErrors)

	_, err = store.GetOpenPosition(context.Background(), 1, "TP")
	assert.NoError(t, err)
}

func TestCheckUser_PriceErrorSkips(t *testing.T) {
	store := memory.NewStore()
	m := newManager(store, &priceMap{prices: map[string]decimal.Decimal{}}, &storeSeller{store: store}, nil)
	seedPosition(t, store, 1, "DARK", 1)

	n, err := m.CheckUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(1), m.Stats().PriceErrors)
}

func TestTrackUntrack(t *testing.T) {
	store := memory.NewStore()
	prices := &priceMap{prices: map[string]decimal.Decimal{}}
	seller := &storeSeller{store: store}
	m := newManager(store, prices, seller, nil)
	seedPosition(t, store, 1, "TP", 1)

	m.Track(context.Background(), 1)
	m.Track(context.Background(), 1)
	assert.True(t, m.Tracked(1))
	assert.Equal(t, 1, m.Stats().TrackedUsers)

	prices.set("TP", 1.6)
	assert.Eventually(t, func() bool { return len(seller.calls()) == 1 }, time.Second, 5*time.Millisecond)

	m.Untrack(1)
	assert.False(t, m.Tracked(1))
}

func TestRun_TracksUsersWithOpenPositions(t *testing.T) {
	store := memory.NewStore()
	m := newManager(store, &priceMap{prices: map[string]decimal.Decimal{}}, &storeSeller{store: store}, nil)
	seedPosition(t, store, 7, "A", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.Tracked(7) }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, m.Tracked(7))
}
