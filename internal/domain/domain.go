// Package domain holds the entities shared by the trading core: users and their
// settings, custody keypairs, tracked wallets, positions, trades and snipe runs.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NativeMint is the wrapped SOL mint.
const NativeMint = "So11111111111111111111111111111111111111112"

// LamportsPerSOL converts between SOL and lamports.
const LamportsPerSOL = 1_000_000_000

// DefaultTokenDecimals is used only when no source reports the mint's decimals.
const DefaultTokenDecimals = 6

// User is an external operator identity.
type User struct {
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Keypair is the stored custody record for one user.
type Keypair struct {
	UserID              int64      `json:"user_id"`
	PublicKey           string     `json:"public_key"`
	EncryptedPrivateKey string     `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUsed            *time.Time `json:"last_used,omitempty"`
}

// Settings is the per-user risk and policy row.
type Settings struct {
	UserID int64 `json:"user_id"`

	MaxTradeSize   decimal.Decimal `json:"max_trade_size"`
	DailyLossLimit decimal.Decimal `json:"daily_loss_limit"`
	SlippageBps    int             `json:"slippage_bps"`

	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	TrailingStopPct float64 `json:"trailing_stop_pct"`
	UseStopLoss     bool    `json:"use_stop_loss"`
	UseTakeProfit   bool    `json:"use_take_profit"`
	UseTrailingStop bool    `json:"use_trailing_stop"`

	SniperEnabled         bool            `json:"sniper_enabled"`
	SniperMaxAmount       decimal.Decimal `json:"sniper_max_amount"`
	SniperMinLiquidityUSD float64         `json:"sniper_min_liquidity_usd"`
	SniperMinAIConfidence float64         `json:"sniper_min_ai_confidence"`
	SniperMaxDaily        int             `json:"sniper_max_daily"`
	SniperDailyUsed       int             `json:"sniper_daily_used"`
	SniperLastReset       time.Time       `json:"sniper_last_reset"`
	SniperLastSnipeAt     *time.Time      `json:"sniper_last_snipe_at,omitempty"`
	SniperOnlyStrongBuy   bool            `json:"sniper_only_strong_buy"`

	AutoTradeEnabled       bool            `json:"auto_trade_enabled"`
	AutoTradeMinConfidence float64         `json:"auto_trade_min_confidence"`
	AutoTradeMaxDaily      int             `json:"auto_trade_max_daily"`
	AutoTradeAmountSOL     decimal.Decimal `json:"auto_trade_amount_sol"`

	MinLiquidityUSD float64 `json:"min_liquidity_usd"`
	CheckHoneypots  bool    `json:"check_honeypots"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultSettings returns the row created on a user's first contact.
func DefaultSettings(userID int64) Settings {
	return Settings{
		UserID:                 userID,
		MaxTradeSize:           decimal.NewFromFloat(1.0),
		DailyLossLimit:         decimal.NewFromFloat(2.0),
		SlippageBps:            100,
		StopLossPct:            0.15,
		TakeProfitPct:          0.50,
		TrailingStopPct:        0.10,
		UseStopLoss:            true,
		UseTakeProfit:          true,
		UseTrailingStop:        false,
		SniperMaxAmount:        decimal.NewFromFloat(0.1),
		SniperMinLiquidityUSD:  5000,
		SniperMinAIConfidence:  0.65,
		SniperMaxDaily:         10,
		SniperLastReset:        StartOfDay(time.Now()),
		SniperOnlyStrongBuy:    false,
		AutoTradeMinConfidence: 0.75,
		AutoTradeMaxDaily:      10,
		AutoTradeAmountSOL:     decimal.NewFromFloat(0.1),
		MinLiquidityUSD:        1000,
		CheckHoneypots:         true,
	}
}

// ResetSniperDayIfNeeded zeroes the daily snipe counter when the last reset
// predates the current UTC day. Returns true when a reset happened.
func (s *Settings) ResetSniperDayIfNeeded(now time.Time) bool {
	today := StartOfDay(now)
	if s.SniperLastReset.Before(today) {
		s.SniperDailyUsed = 0
		s.SniperLastReset = today
		return true
	}
	return false
}

// TrackedWallet is an address whose swaps are mirrored.
type TrackedWallet struct {
	UserID           int64           `json:"user_id"`
	Address          string          `json:"address"`
	Label            string          `json:"label"`
	Score            float64         `json:"score"`
	CopyEnabled      bool            `json:"copy_enabled"`
	CopyAmount       decimal.Decimal `json:"copy_amount"`
	TotalTrades      int             `json:"total_trades"`
	ProfitableTrades int             `json:"profitable_trades"`
	WinRate          float64         `json:"win_rate"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// WalletStats is the subset of WalletMetrics written back to a tracked wallet.
type WalletStats struct {
	Score            float64
	TotalTrades      int
	ProfitableTrades int
	WinRate          float64
	TotalPnL         decimal.Decimal
}

// Position is an entry held until an exit trigger or a manual sell.
type Position struct {
	PositionID        string          `json:"position_id"`
	UserID            int64           `json:"user_id"`
	TokenMint         string          `json:"token_mint"`
	TokenSymbol       string          `json:"token_symbol"`
	TokenDecimals     int             `json:"token_decimals"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	EntryAmountSOL    decimal.Decimal `json:"entry_amount_sol"`
	EntryAmountTokens decimal.Decimal `json:"entry_amount_tokens"`
	EntryAmountRaw    uint64          `json:"entry_amount_raw"`
	EntrySignature    string          `json:"entry_signature"`
	EntryTimestamp    time.Time       `json:"entry_timestamp"`

	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty"`
	ExitAmountSOL    *decimal.Decimal `json:"exit_amount_sol,omitempty"`
	ExitAmountTokens *decimal.Decimal `json:"exit_amount_tokens,omitempty"`
	ExitSignature    *string          `json:"exit_signature,omitempty"`
	ExitTimestamp    *time.Time       `json:"exit_timestamp,omitempty"`

	Source        string           `json:"source"`
	MetadataJSON  string           `json:"metadata_json,omitempty"`
	StopLossPct   *float64         `json:"stop_loss_pct,omitempty"`
	TakeProfitPct *float64         `json:"take_profit_pct,omitempty"`
	PnLSOL        *decimal.Decimal `json:"pnl_sol,omitempty"`
	IsOpen        bool             `json:"is_open"`
}

// ExitFields carries the values written when a position closes.
type ExitFields struct {
	ExitPrice        decimal.Decimal
	ExitAmountSOL    decimal.Decimal
	ExitAmountTokens decimal.Decimal
	ExitSignature    string
	ExitTimestamp    time.Time
}

// TradeType is buy or sell.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Trade contexts.
const (
	ContextManual     = "manual"
	ContextSniper     = "sniper"
	ContextAutoTrader = "auto_trader"
	ContextCopyTrade  = "copy_trade"
)

// Trade is an append-only record of one buy or sell attempt.
type Trade struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"user_id"`
	Signature      string          `json:"signature"`
	TradeType      TradeType       `json:"trade_type"`
	TokenMint      string          `json:"token_mint"`
	TokenSymbol    string          `json:"token_symbol"`
	AmountSOL      decimal.Decimal `json:"amount_sol"`
	AmountTokens   decimal.Decimal `json:"amount_tokens"`
	Price          decimal.Decimal `json:"price"`
	SlippageBps    int             `json:"slippage_bps"`
	PriceImpact    float64         `json:"price_impact"`
	Timestamp      time.Time       `json:"timestamp"`
	Success        bool            `json:"success"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	PositionID     string          `json:"position_id,omitempty"`
	IsPositionOpen bool            `json:"is_position_open"`
	Context        string          `json:"context"`
	MetadataJSON   string          `json:"metadata_json,omitempty"`
}

// UserStats aggregates a user's trades over a window.
type UserStats struct {
	TradeCount      int             `json:"trade_count"`
	ProfitableCount int             `json:"profitable_count"`
	WinRate         float64         `json:"win_rate"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// WalletMetrics is the aggregated trading record of one address, reconstructed
// from chain history. BestEffort is always true: transfers in and out of the
// wallet outside swaps are invisible to the reconstruction.
type WalletMetrics struct {
	Address          string             `json:"address"`
	Score            float64            `json:"score"`
	Tier             string             `json:"tier"`
	SwapCount        int                `json:"swap_count"`
	TotalTrades      int                `json:"total_trades"` // closed round trips
	ProfitableTrades int                `json:"profitable_trades"`
	WinRate          float64            `json:"win_rate"`
	ProfitFactor     float64            `json:"profit_factor"`
	SharpeRatio      float64            `json:"sharpe_ratio"`
	Consistency      float64            `json:"consistency"`
	TotalPnLSOL      float64            `json:"total_pnl_sol"`
	PnL7dSOL         float64            `json:"pnl_7d_sol"`
	PnL30dSOL        float64            `json:"pnl_30d_sol"`
	AvgHoldTime      time.Duration      `json:"avg_hold_time"`
	AvgBuySOL        float64            `json:"avg_buy_sol"`
	BestToken        string             `json:"best_token,omitempty"`
	WorstToken       string             `json:"worst_token,omitempty"`
	FavoriteVenues   []string           `json:"favorite_venues"`
	HourlyActivity   [24]int            `json:"hourly_activity"`
	FirstSeen        time.Time          `json:"first_seen"`
	LastActive       time.Time          `json:"last_active"`
	AnalyzedAt       time.Time          `json:"analyzed_at"`
	BestEffort       bool               `json:"best_effort"`
	TokenPnL         map[string]float64 `json:"token_pnl,omitempty"`
}

// Stats returns the fields written back to tracked-wallet rows.
func (m WalletMetrics) Stats() WalletStats {
	return WalletStats{
		Score:            m.Score,
		TotalTrades:      m.TotalTrades,
		ProfitableTrades: m.ProfitableTrades,
		WinRate:          m.WinRate,
		TotalPnL:         decimal.NewFromFloat(m.TotalPnLSOL),
	}
}
