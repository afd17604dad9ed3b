package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage"
)

const settingsColumns = `
	user_id, max_trade_size, daily_loss_limit, slippage_bps,
	stop_loss_pct, take_profit_pct, trailing_stop_pct,
	use_stop_loss, use_take_profit, use_trailing_stop,
	sniper_enabled, sniper_max_amount, sniper_min_liquidity_usd, sniper_min_ai_confidence,
	sniper_max_daily, sniper_daily_used, sniper_last_reset, sniper_last_snipe_at, sniper_only_strong_buy,
	auto_trade_enabled, auto_trade_min_confidence, auto_trade_max_daily, auto_trade_amount_sol,
	min_liquidity_usd, check_honeypots, updated_at`

// EnsureUser creates the user and default settings if missing.
func (s *Store) EnsureUser(ctx context.Context, userID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureUserTx(ctx, tx, userID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func ensureUserTx(ctx context.Context, tx pgx.Tx, userID int64) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	d := domain.DefaultSettings(userID)
	d.UpdatedAt = time.Now().UTC()
	query := `INSERT INTO user_settings (` + settingsColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
		$20, $21, $22, $23, $24, $25, $26
	) ON CONFLICT (user_id) DO NOTHING`
	if _, err := tx.Exec(ctx, query, settingsArgs(&d)...); err != nil {
		return fmt.Errorf("insert default settings: %w", err)
	}
	return nil
}

func settingsArgs(st *domain.Settings) []any {
	return []any{
		st.UserID, st.MaxTradeSize, st.DailyLossLimit, st.SlippageBps,
		st.StopLossPct, st.TakeProfitPct, st.TrailingStopPct,
		st.UseStopLoss, st.UseTakeProfit, st.UseTrailingStop,
		st.SniperEnabled, st.SniperMaxAmount, st.SniperMinLiquidityUSD, st.SniperMinAIConfidence,
		st.SniperMaxDaily, st.SniperDailyUsed, st.SniperLastReset, st.SniperLastSnipeAt, st.SniperOnlyStrongBuy,
		st.AutoTradeEnabled, st.AutoTradeMinConfidence, st.AutoTradeMaxDaily, st.AutoTradeAmountSOL,
		st.MinLiquidityUSD, st.CheckHoneypots, st.UpdatedAt,
	}
}

// GetSettings returns the settings row, creating the user with defaults on first contact.
func (s *Store) GetSettings(ctx context.Context, userID int64) (*domain.Settings, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+settingsColumns+` FROM user_settings WHERE user_id = $1`, userID)
	st, err := scanSettings(row)
	if err == nil {
		return st, nil
	}
	if !isNotFoundError(err) {
		return nil, fmt.Errorf("get settings: %w", err)
	}

	if err := s.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}
	row = s.pool.QueryRow(ctx, `SELECT `+settingsColumns+` FROM user_settings WHERE user_id = $1`, userID)
	st, err = scanSettings(row)
	if err != nil {
		return nil, fmt.Errorf("get settings after create: %w", err)
	}
	return st, nil
}

// UpdateSettings overwrites every settings column.
func (s *Store) UpdateSettings(ctx context.Context, st *domain.Settings) error {
	if st == nil || st.UserID == 0 {
		return storage.ErrInvalidInput
	}
	if st.SniperDailyUsed > st.SniperMaxDaily {
		return fmt.Errorf("%w: sniper_daily_used %d exceeds sniper_max_daily %d",
			storage.ErrInvalidInput, st.SniperDailyUsed, st.SniperMaxDaily)
	}
	st.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE user_settings SET
			max_trade_size = $2, daily_loss_limit = $3, slippage_bps = $4,
			stop_loss_pct = $5, take_profit_pct = $6, trailing_stop_pct = $7,
			use_stop_loss = $8, use_take_profit = $9, use_trailing_stop = $10,
			sniper_enabled = $11, sniper_max_amount = $12, sniper_min_liquidity_usd = $13,
			sniper_min_ai_confidence = $14, sniper_max_daily = $15, sniper_daily_used = $16,
			sniper_last_reset = $17, sniper_last_snipe_at = $18, sniper_only_strong_buy = $19,
			auto_trade_enabled = $20, auto_trade_min_confidence = $21, auto_trade_max_daily = $22,
			auto_trade_amount_sol = $23, min_liquidity_usd = $24, check_honeypots = $25, updated_at = $26
		WHERE user_id = $1`

	tag, err := s.pool.Exec(ctx, query, settingsArgs(st)...)
	if err != nil {
		if isCheckViolation(err) {
			return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
		}
		return fmt.Errorf("update settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	log.Debug().Int64("user_id", st.UserID).Msg("storage: settings updated")
	return nil
}

// ListSniperUsers returns settings of users with the sniper enabled.
func (s *Store) ListSniperUsers(ctx context.Context) ([]*domain.Settings, error) {
	return s.listSettings(ctx, `SELECT `+settingsColumns+` FROM user_settings WHERE sniper_enabled ORDER BY user_id`)
}

// ListAutoTradeUsers returns settings of users with auto trading enabled.
func (s *Store) ListAutoTradeUsers(ctx context.Context) ([]*domain.Settings, error) {
	return s.listSettings(ctx, `SELECT `+settingsColumns+` FROM user_settings WHERE auto_trade_enabled ORDER BY user_id`)
}

func (s *Store) listSettings(ctx context.Context, query string) ([]*domain.Settings, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Settings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settings: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanSettings(row pgx.Row) (*domain.Settings, error) {
	var st domain.Settings
	err := row.Scan(
		&st.UserID, &st.MaxTradeSize, &st.DailyLossLimit, &st.SlippageBps,
		&st.StopLossPct, &st.TakeProfitPct, &st.TrailingStopPct,
		&st.UseStopLoss, &st.UseTakeProfit, &st.UseTrailingStop,
		&st.SniperEnabled, &st.SniperMaxAmount, &st.SniperMinLiquidityUSD, &st.SniperMinAIConfidence,
		&st.SniperMaxDaily, &st.SniperDailyUsed, &st.SniperLastReset, &st.SniperLastSnipeAt, &st.SniperOnlyStrongBuy,
		&st.AutoTradeEnabled, &st.AutoTradeMinConfidence, &st.AutoTradeMaxDaily, &st.AutoTradeAmountSOL,
		&st.MinLiquidityUSD, &st.CheckHoneypots, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SetAutoTradeEnabled flips the auto-trade flag without touching other columns.
func (s *Store) SetAutoTradeEnabled(ctx context.Context, userID int64, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_settings SET auto_trade_enabled = $2, updated_at = now() WHERE user_id = $1`,
		userID, enabled)
	if err != nil {
		return fmt.Errorf("set auto_trade_enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ResetSniperDay zeroes the daily counter if the stored reset predates dayStart.
func (s *Store) ResetSniperDay(ctx context.Context, userID int64, dayStart time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_settings
		SET sniper_daily_used = 0, sniper_last_reset = $2, updated_at = now()
		WHERE user_id = $1 AND sniper_last_reset < $2`,
		userID, dayStart)
	if err != nil {
		return false, fmt.Errorf("reset sniper day: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementSniperUsage counts one snipe in a single statement. LEAST keeps
// the sniper_daily_within_cap constraint from failing a buy that already landed.
func (s *Store) IncrementSniperUsage(ctx context.Context, userID int64, at, dayStart time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_settings SET
			sniper_daily_used = CASE
				WHEN sniper_last_reset < $3 THEN LEAST(1, sniper_max_daily)
				ELSE LEAST(sniper_daily_used + 1, sniper_max_daily)
			END,
			sniper_last_reset = GREATEST(sniper_last_reset, $3),
			sniper_last_snipe_at = $2,
			updated_at = now()
		WHERE user_id = $1`,
		userID, at, dayStart)
	if err != nil {
		return fmt.Errorf("increment sniper usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
