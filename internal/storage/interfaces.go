package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/domain"
)

// UserStore manages users and their settings rows.
type UserStore interface {
	// EnsureUser creates the user and a default settings row if missing.
	EnsureUser(ctx context.Context, userID int64) error

	// GetSettings returns the user's settings, creating defaults if missing.
	GetSettings(ctx context.Context, userID int64) (*domain.Settings, error)

	// UpdateSettings overwrites the settings row. Controllers use the
	// targeted updates below so a concurrent operator change is never reverted.
	UpdateSettings(ctx context.Context, s *domain.Settings) error

	// SetAutoTradeEnabled writes only auto_trade_enabled.
	SetAutoTradeEnabled(ctx context.Context, userID int64, enabled bool) error

	// ResetSniperDay zeroes sniper_daily_used when sniper_last_reset predates
	// dayStart. Reports whether a reset happened.
	ResetSniperDay(ctx context.Context, userID int64, dayStart time.Time) (bool, error)

	// IncrementSniperUsage counts one executed snipe at time at, resetting the
	// counter first when the stored day predates dayStart. The counter never
	// exceeds sniper_max_daily.
	IncrementSniperUsage(ctx context.Context, userID int64, at, dayStart time.Time) error

	// ListSniperUsers returns settings of users with sniper_enabled.
	ListSniperUsers(ctx context.Context) ([]*domain.Settings, error)

	// ListAutoTradeUsers returns settings of users with auto_trade_enabled.
	ListAutoTradeUsers(ctx context.Context) ([]*domain.Settings, error)
}

// KeypairStore persists encrypted custody keypairs.
type KeypairStore interface {
	// GetKeypair returns ErrNotFound if the user has no keypair.
	GetKeypair(ctx context.Context, userID int64) (*domain.Keypair, error)

	// InsertKeypair returns ErrDuplicateKey if the user already has one.
	InsertKeypair(ctx context.Context, kp *domain.Keypair) error

	// TouchKeypair updates last_used.
	TouchKeypair(ctx context.Context, userID int64, at time.Time) error
}

// WalletStore persists the tracked-wallet roster.
type WalletStore interface {
	ListTrackedWallets(ctx context.Context, userID int64) ([]*domain.TrackedWallet, error)
	ListAllTrackedWallets(ctx context.Context) ([]*domain.TrackedWallet, error)
	UpsertTrackedWallet(ctx context.Context, w *domain.TrackedWallet) error

	// UpdateWalletScore writes C6 results to every roster row for address.
	UpdateWalletScore(ctx context.Context, address string, stats domain.WalletStats) error
}

// PositionStore persists positions together with the trades that move them.
type PositionStore interface {
	// OpenPositionWithTrade inserts the buy trade and the position in one
	// transaction. Returns ErrPositionExists if the user already holds an
	// open position in the mint.
	OpenPositionWithTrade(ctx context.Context, t *domain.Trade, p *domain.Position) error

	// ClosePosition closes an open position, computing pnl_sol, and returns
	// the updated row.
	ClosePosition(ctx context.Context, positionID string, exit domain.ExitFields) (*domain.Position, error)

	// ClosePositionWithTrade is ClosePosition plus the sell trade insert in
	// the same transaction.
	ClosePositionWithTrade(ctx context.Context, positionID string, exit domain.ExitFields, t *domain.Trade) (*domain.Position, error)

	// GetOpenPosition returns ErrNotFound when the user holds no open position in mint.
	GetOpenPosition(ctx context.Context, userID int64, mint string) (*domain.Position, error)

	GetPosition(ctx context.Context, positionID string) (*domain.Position, error)
	ListOpenPositions(ctx context.Context, userID int64) ([]*domain.Position, error)
	ListUsersWithOpenPositions(ctx context.Context) ([]int64, error)
}

// TradeStore is the append-only trade log.
type TradeStore interface {
	InsertTrade(ctx context.Context, t *domain.Trade) error

	// DailyPnL sums pnl_sol of positions closed at or after dayStart.
	DailyPnL(ctx context.Context, userID int64, dayStart time.Time) (decimal.Decimal, error)

	// UserStats aggregates closed positions since the given instant.
	UserStats(ctx context.Context, userID int64, since time.Time) (*domain.UserStats, error)

	ListTrades(ctx context.Context, userID int64, limit int) ([]*domain.Trade, error)
}

// SnipeStore persists sniper decisions.
type SnipeStore interface {
	// UpsertSnipeRun inserts or replaces a run. Replacing a terminal run
	// returns ErrInvalidTransition.
	UpsertSnipeRun(ctx context.Context, r *domain.SnipeRun) error

	// UpdateSnipeStatus moves a run along the snipe graph.
	UpdateSnipeStatus(ctx context.Context, snipeID string, status domain.SnipeStatus, u domain.SnipeUpdate) error

	GetSnipeRun(ctx context.Context, snipeID string) (*domain.SnipeRun, error)
	ListSnipeRuns(ctx context.Context, userID int64, limit int) ([]*domain.SnipeRun, error)
	ListSnipeRunsByStatus(ctx context.Context, status domain.SnipeStatus) ([]*domain.SnipeRun, error)
}

// Store is the full persistence surface used by the trading core.
type Store interface {
	UserStore
	KeypairStore
	WalletStore
	PositionStore
	TradeStore
	SnipeStore

	Ping(ctx context.Context) error
}
