// Package memory is an in-process storage.Store used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage"
)

// Store keeps every table in maps under one lock, which also gives the
// multi-record operations their atomicity.
type Store struct {
	mu        sync.RWMutex
	users     map[int64]time.Time
	settings  map[int64]*domain.Settings
	keypairs  map[int64]*domain.Keypair
	wallets   map[string]*domain.TrackedWallet // user:address
	positions map[string]*domain.Position
	trades    []*domain.Trade
	tradeIDs  map[string]struct{}
	snipes    map[string]*domain.SnipeRun

	// FailNextTrade makes the next trade insert fail, for rollback tests.
	failNextTrade bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		users:     make(map[int64]time.Time),
		settings:  make(map[int64]*domain.Settings),
		keypairs:  make(map[int64]*domain.Keypair),
		wallets:   make(map[string]*domain.TrackedWallet),
		positions: make(map[string]*domain.Position),
		tradeIDs:  make(map[string]struct{}),
		snipes:    make(map[string]*domain.SnipeRun),
	}
}

var _ storage.Store = (*Store)(nil)

// SetFailNextTrade makes the next trade insert return an error.
func (s *Store) SetFailNextTrade() {
	s.mu.Lock()
	s.failNextTrade = true
	s.mu.Unlock()
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) ensureUserLocked(userID int64) {
	if _, ok := s.users[userID]; ok {
		return
	}
	s.users[userID] = time.Now().UTC()
	st := domain.DefaultSettings(userID)
	st.UpdatedAt = time.Now().UTC()
	s.settings[userID] = &st
}

// EnsureUser creates the user with default settings.
func (s *Store) EnsureUser(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserLocked(userID)
	return nil
}

// GetSettings returns a copy of the user's settings.
func (s *Store) GetSettings(_ context.Context, userID int64) (*domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserLocked(userID)
	cp := *s.settings[userID]
	return &cp, nil
}

// UpdateSettings replaces the settings row.
func (s *Store) UpdateSettings(_ context.Context, st *domain.Settings) error {
	if st == nil || st.UserID == 0 {
		return storage.ErrInvalidInput
	}
	if st.SniperDailyUsed > st.SniperMaxDaily {
		return fmt.Errorf("%w: sniper_daily_used %d exceeds sniper_max_daily %d",
			storage.ErrInvalidInput, st.SniperDailyUsed, st.SniperMaxDaily)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[st.UserID]; !ok {
		return storage.ErrNotFound
	}
	cp := *st
	cp.UpdatedAt = time.Now().UTC()
	s.settings[st.UserID] = &cp
	return nil
}

func (s *Store) SetAutoTradeEnabled(_ context.Context, userID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[userID]
	if !ok {
		return storage.ErrNotFound
	}
	st.AutoTradeEnabled = enabled
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ResetSniperDay(_ context.Context, userID int64, dayStart time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[userID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if !st.SniperLastReset.Before(dayStart) {
		return false, nil
	}
	st.SniperDailyUsed = 0
	st.SniperLastReset = dayStart
	st.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) IncrementSniperUsage(_ context.Context, userID int64, at, dayStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if st.SniperLastReset.Before(dayStart) {
		st.SniperDailyUsed = 0
		st.SniperLastReset = dayStart
	}
	st.SniperDailyUsed = min(st.SniperDailyUsed+1, st.SniperMaxDaily)
	last := at
	st.SniperLastSnipeAt = &last
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// ListSniperUsers returns users with the sniper enabled.
func (s *Store) ListSniperUsers(context.Context) ([]*domain.Settings, error) {
	return s.filterSettings(func(st *domain.Settings) bool { return st.SniperEnabled }), nil
}

// ListAutoTradeUsers returns users with auto trading enabled.
func (s *Store) ListAutoTradeUsers(context.Context) ([]*domain.Settings, error) {
	return s.filterSettings(func(st *domain.Settings) bool { return st.AutoTradeEnabled }), nil
}

func (s *Store) filterSettings(keep func(*domain.Settings) bool) []*domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Settings
	for _, st := range s.settings {
		if keep(st) {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// GetKeypair returns the user's keypair record.
func (s *Store) GetKeypair(_ context.Context, userID int64) (*domain.Keypair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.keypairs[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *kp
	return &cp, nil
}

// InsertKeypair stores a new keypair.
func (s *Store) InsertKeypair(_ context.Context, kp *domain.Keypair) error {
	if kp == nil || kp.UserID == 0 || kp.PublicKey == "" || kp.EncryptedPrivateKey == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keypairs[kp.UserID]; ok {
		return storage.ErrDuplicateKey
	}
	s.ensureUserLocked(kp.UserID)
	cp := *kp
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.keypairs[kp.UserID] = &cp
	return nil
}

// TouchKeypair records key usage.
func (s *Store) TouchKeypair(_ context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keypairs[userID]
	if !ok {
		return storage.ErrNotFound
	}
	kp.LastUsed = &at
	return nil
}

func walletKey(userID int64, address string) string {
	return fmt.Sprintf("%d:%s", userID, address)
}

// ListTrackedWallets returns a user's roster ordered by score.
func (s *Store) ListTrackedWallets(_ context.Context, userID int64) ([]*domain.TrackedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.TrackedWallet
	for _, w := range s.wallets {
		if w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// ListAllTrackedWallets returns all roster rows.
func (s *Store) ListAllTrackedWallets(context.Context) ([]*domain.TrackedWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.TrackedWallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// UpsertTrackedWallet inserts or replaces a roster row.
func (s *Store) UpsertTrackedWallet(_ context.Context, w *domain.TrackedWallet) error {
	if w == nil || w.UserID == 0 || w.Address == "" {
		return storage.ErrInvalidInput
	}
	if w.Score < 0 || w.Score > 100 {
		return fmt.Errorf("%w: score %.2f outside [0,100]", storage.ErrInvalidInput, w.Score)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureUserLocked(w.UserID)
	cp := *w
	cp.UpdatedAt = time.Now().UTC()
	s.wallets[walletKey(w.UserID, w.Address)] = &cp
	return nil
}

// UpdateWalletScore writes analysis results to every row for address.
func (s *Store) UpdateWalletScore(_ context.Context, address string, st domain.WalletStats) error {
	if st.Score < 0 || st.Score > 100 {
		return fmt.Errorf("%w: score %.2f outside [0,100]", storage.ErrInvalidInput, st.Score)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address != address {
			continue
		}
		w.Score = st.Score
		w.TotalTrades = st.TotalTrades
		w.ProfitableTrades = st.ProfitableTrades
		w.WinRate = st.WinRate
		w.TotalPnL = st.TotalPnL
		w.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) insertTradeLocked(t *domain.Trade) error {
	if t == nil || t.ID == "" || (t.TradeType != domain.TradeBuy && t.TradeType != domain.TradeSell) {
		return storage.ErrInvalidInput
	}
	if s.failNextTrade {
		s.failNextTrade = false
		return fmt.Errorf("insert trade: injected failure")
	}
	if _, ok := s.tradeIDs[t.ID]; ok {
		return storage.ErrDuplicateKey
	}
	cp := *t
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.trades = append(s.trades, &cp)
	s.tradeIDs[t.ID] = struct{}{}
	return nil
}

// InsertTrade appends a trade.
func (s *Store) InsertTrade(_ context.Context, t *domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t != nil {
		s.ensureUserLocked(t.UserID)
	}
	return s.insertTradeLocked(t)
}

// OpenPositionWithTrade inserts the trade and the position together.
func (s *Store) OpenPositionWithTrade(_ context.Context, t *domain.Trade, p *domain.Position) error {
	if t == nil || p == nil || p.PositionID == "" || p.TokenMint == "" || !p.IsOpen {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.PositionID]; ok {
		return storage.ErrDuplicateKey
	}
	for _, existing := range s.positions {
		if existing.IsOpen && existing.UserID == p.UserID && existing.TokenMint == p.TokenMint {
			return storage.ErrPositionExists
		}
	}
	s.ensureUserLocked(p.UserID)
	if err := s.insertTradeLocked(t); err != nil {
		return err
	}
	cp := *p
	s.positions[p.PositionID] = &cp
	return nil
}

// ClosePosition closes an open position and computes pnl_sol.
func (s *Store) ClosePosition(_ context.Context, positionID string, exit domain.ExitFields) (*domain.Position, error) {
	return s.closePosition(positionID, exit, nil)
}

// ClosePositionWithTrade closes the position and appends the sell trade together.
func (s *Store) ClosePositionWithTrade(_ context.Context, positionID string, exit domain.ExitFields, t *domain.Trade) (*domain.Position, error) {
	if t == nil {
		return nil, storage.ErrInvalidInput
	}
	return s.closePosition(positionID, exit, t)
}

func (s *Store) closePosition(positionID string, exit domain.ExitFields, t *domain.Trade) (*domain.Position, error) {
	if positionID == "" || exit.ExitSignature == "" || exit.ExitTimestamp.IsZero() {
		return nil, storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[positionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !p.IsOpen {
		return nil, storage.ErrPositionClosed
	}

	if t != nil {
		tc := *t
		tc.PositionID = positionID
		tc.IsPositionOpen = false
		if err := s.insertTradeLocked(&tc); err != nil {
			return nil, err
		}
	}

	updated := *p
	pnl := exit.ExitAmountSOL.Sub(p.EntryAmountSOL)
	price, sol, tokens, sig, ts := exit.ExitPrice, exit.ExitAmountSOL, exit.ExitAmountTokens, exit.ExitSignature, exit.ExitTimestamp
	updated.ExitPrice = &price
	updated.ExitAmountSOL = &sol
	updated.ExitAmountTokens = &tokens
	updated.ExitSignature = &sig
	updated.ExitTimestamp = &ts
	updated.PnLSOL = &pnl
	updated.IsOpen = false
	s.positions[positionID] = &updated

	out := updated
	return &out, nil
}

// GetOpenPosition returns the user's open position in mint.
func (s *Store) GetOpenPosition(_ context.Context, userID int64, mint string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.positions {
		if p.IsOpen && p.UserID == userID && p.TokenMint == mint {
			cp := *p
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// GetPosition returns a position by id.
func (s *Store) GetPosition(_ context.Context, positionID string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListOpenPositions returns a user's open positions oldest first.
func (s *Store) ListOpenPositions(_ context.Context, userID int64) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Position
	for _, p := range s.positions {
		if p.IsOpen && p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTimestamp.Before(out[j].EntryTimestamp) })
	return out, nil
}

// ListUsersWithOpenPositions returns distinct owners of open positions.
func (s *Store) ListUsersWithOpenPositions(context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	for _, p := range s.positions {
		if p.IsOpen {
			seen[p.UserID] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DailyPnL sums pnl of positions closed since dayStart.
func (s *Store) DailyPnL(_ context.Context, userID int64, dayStart time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, p := range s.positions {
		if p.IsOpen || p.UserID != userID || p.PnLSOL == nil || p.ExitTimestamp == nil {
			continue
		}
		if !p.ExitTimestamp.Before(dayStart) {
			total = total.Add(*p.PnLSOL)
		}
	}
	return total, nil
}

// UserStats aggregates closed positions since the given instant.
func (s *Store) UserStats(_ context.Context, userID int64, since time.Time) (*domain.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &domain.UserStats{TotalPnL: decimal.Zero}
	for _, p := range s.positions {
		if p.IsOpen || p.UserID != userID || p.PnLSOL == nil || p.ExitTimestamp == nil || p.ExitTimestamp.Before(since) {
			continue
		}
		st.TradeCount++
		if p.PnLSOL.IsPositive() {
			st.ProfitableCount++
		}
		st.TotalPnL = st.TotalPnL.Add(*p.PnLSOL)
	}
	if st.TradeCount > 0 {
		st.WinRate = float64(st.ProfitableCount) / float64(st.TradeCount)
	}
	return st, nil
}

// ListTrades returns a user's most recent trades.
func (s *Store) ListTrades(_ context.Context, userID int64, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Trade
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.trades[i].UserID == userID {
			cp := *s.trades[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpsertSnipeRun inserts a run or replaces a non-terminal one.
func (s *Store) UpsertSnipeRun(_ context.Context, r *domain.SnipeRun) error {
	if r == nil || r.SnipeID == "" || r.TokenMint == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snipes[r.SnipeID]; ok {
		if cur.Status != r.Status && !domain.CanTransition(cur.Status, r.Status) {
			return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, cur.Status, r.Status)
		}
	} else if !domain.CanTransition("", r.Status) {
		return fmt.Errorf("%w: new run in %s", storage.ErrInvalidTransition, r.Status)
	}
	s.ensureUserLocked(r.UserID)
	cp := *r
	s.snipes[r.SnipeID] = &cp
	return nil
}

// UpdateSnipeStatus moves a run along the snipe graph.
func (s *Store) UpdateSnipeStatus(_ context.Context, snipeID string, status domain.SnipeStatus, u domain.SnipeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.snipes[snipeID]
	if !ok {
		return storage.ErrNotFound
	}
	if !domain.CanTransition(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, r.Status, status)
	}
	r.Status = status
	if u.AIConfidence != nil {
		r.AIConfidence = u.AIConfidence
	}
	if u.AIRecommendation != nil {
		r.AIRecommendation = u.AIRecommendation
	}
	if u.AISnapshotJSON != nil {
		r.AISnapshotJSON = *u.AISnapshotJSON
	}
	if u.SkipReason != nil {
		r.SkipReason = *u.SkipReason
	}
	if u.TriggeredAt != nil {
		r.TriggeredAt = u.TriggeredAt
	}
	if u.CompletedAt != nil {
		r.CompletedAt = u.CompletedAt
	}
	if u.ContextJSON != nil {
		r.ContextJSON = *u.ContextJSON
	}
	return nil
}

// GetSnipeRun returns a run by id.
func (s *Store) GetSnipeRun(_ context.Context, snipeID string) (*domain.SnipeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.snipes[snipeID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListSnipeRuns returns a user's most recent runs.
func (s *Store) ListSnipeRuns(_ context.Context, userID int64, limit int) ([]*domain.SnipeRun, error) {
	if limit <= 0 {
		limit = 20
	}
	out := s.collectSnipes(func(r *domain.SnipeRun) bool { return r.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionTimestamp.After(out[j].DecisionTimestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSnipeRunsByStatus returns runs in a status, oldest first.
func (s *Store) ListSnipeRunsByStatus(_ context.Context, status domain.SnipeStatus) ([]*domain.SnipeRun, error) {
	out := s.collectSnipes(func(r *domain.SnipeRun) bool { return r.Status == status })
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionTimestamp.Before(out[j].DecisionTimestamp) })
	return out, nil
}

func (s *Store) collectSnipes(keep func(*domain.SnipeRun) bool) []*domain.SnipeRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.SnipeRun
	for _, r := range s.snipes {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}
