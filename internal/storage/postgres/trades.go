package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage"
)

const tradeColumns = `
	id, user_id, signature, trade_type, token_mint, token_symbol,
	amount_sol, amount_tokens, price, slippage_bps, price_impact, ts,
	success, error_message, position_id, is_position_open, context, metadata_json`

// InsertTrade appends a trade record.
func (s *Store) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureUserTx(ctx, tx, t.UserID); err != nil {
		return err
	}
	if err := insertTradeTx(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertTradeTx(ctx context.Context, tx pgx.Tx, t *domain.Trade) error {
	if t.ID == "" || (t.TradeType != domain.TradeBuy && t.TradeType != domain.TradeSell) {
		return storage.ErrInvalidInput
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO trades (`+tradeColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)`,
		t.ID, t.UserID, t.Signature, string(t.TradeType), t.TokenMint, t.TokenSymbol,
		t.AmountSOL, t.AmountTokens, t.Price, t.SlippageBps, t.PriceImpact, t.Timestamp,
		t.Success, t.ErrorMessage, t.PositionID, t.IsPositionOpen, t.Context, t.MetadataJSON,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// DailyPnL sums realized pnl of positions closed since dayStart.
func (s *Store) DailyPnL(ctx context.Context, userID int64, dayStart time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl_sol), 0)
		FROM positions
		WHERE user_id = $1 AND NOT is_open AND exit_timestamp >= $2`,
		userID, dayStart,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("daily pnl: %w", err)
	}
	return total, nil
}

// UserStats aggregates closed positions since the given instant.
func (s *Store) UserStats(ctx context.Context, userID int64, since time.Time) (*domain.UserStats, error) {
	var st domain.UserStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE pnl_sol > 0),
			COALESCE(SUM(pnl_sol), 0)
		FROM positions
		WHERE user_id = $1 AND NOT is_open AND exit_timestamp >= $2`,
		userID, since,
	).Scan(&st.TradeCount, &st.ProfitableCount, &st.TotalPnL)
	if err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}
	if st.TradeCount > 0 {
		st.WinRate = float64(st.ProfitableCount) / float64(st.TradeCount)
	}
	return &st, nil
}

// ListTrades returns a user's most recent trades.
func (s *Store) ListTrades(ctx context.Context, userID int64, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY ts DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trade
	for rows.Next() {
		var (
			t  domain.Trade
			tt string
		)
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Signature, &tt, &t.TokenMint, &t.TokenSymbol,
			&t.AmountSOL, &t.AmountTokens, &t.Price, &t.SlippageBps, &t.PriceImpact, &t.Timestamp,
			&t.Success, &t.ErrorMessage, &t.PositionID, &t.IsPositionOpen, &t.Context, &t.MetadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.TradeType = domain.TradeType(tt)
		out = append(out, &t)
	}
	return out, rows.Err()
}
