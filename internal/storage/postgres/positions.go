package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage"
)

const positionColumns = `
	position_id, user_id, token_mint, token_symbol, token_decimals,
	entry_price, entry_amount_sol, entry_amount_tokens, entry_amount_raw,
	entry_signature, entry_timestamp,
	exit_price, exit_amount_sol, exit_amount_tokens, exit_signature, exit_timestamp,
	source, metadata_json, stop_loss_pct, take_profit_pct, pnl_sol, is_open`

// OpenPositionWithTrade writes the buy trade and the new position atomically.
func (s *Store) OpenPositionWithTrade(ctx context.Context, t *domain.Trade, p *domain.Position) error {
	if t == nil || p == nil || p.PositionID == "" || p.TokenMint == "" || !p.IsOpen {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureUserTx(ctx, tx, p.UserID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			NULL, NULL, NULL, NULL, NULL,
			$12, $13, $14, $15, NULL, TRUE
		)`,
		p.PositionID, p.UserID, p.TokenMint, p.TokenSymbol, p.TokenDecimals,
		p.EntryPrice, p.EntryAmountSOL, p.EntryAmountTokens, rawToNumeric(p.EntryAmountRaw),
		p.EntrySignature, p.EntryTimestamp,
		p.Source, p.MetadataJSON, p.StopLossPct, p.TakeProfitPct,
	)
	if err != nil {
		if isOpenPositionConflict(err) {
			return storage.ErrPositionExists
		}
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert position: %w", err)
	}

	if err := insertTradeTx(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	log.Debug().
		Str("position_id", p.PositionID).
		Int64("user_id", p.UserID).
		Str("mint", p.TokenMint).
		Msg("storage: position opened")
	return nil
}

// ClosePosition closes an open position and returns the updated row.
func (s *Store) ClosePosition(ctx context.Context, positionID string, exit domain.ExitFields) (*domain.Position, error) {
	return s.closePosition(ctx, positionID, exit, nil)
}

// ClosePositionWithTrade closes an open position and appends the sell trade atomically.
func (s *Store) ClosePositionWithTrade(ctx context.Context, positionID string, exit domain.ExitFields, t *domain.Trade) (*domain.Position, error) {
	if t == nil {
		return nil, storage.ErrInvalidInput
	}
	return s.closePosition(ctx, positionID, exit, t)
}

func (s *Store) closePosition(ctx context.Context, positionID string, exit domain.ExitFields, t *domain.Trade) (*domain.Position, error) {
	if positionID == "" || exit.ExitSignature == "" || exit.ExitTimestamp.IsZero() {
		return nil, storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE position_id = $1 FOR UPDATE`, positionID)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load position: %w", err)
	}
	if !p.IsOpen {
		return nil, storage.ErrPositionClosed
	}

	pnl := exit.ExitAmountSOL.Sub(p.EntryAmountSOL)

	_, err = tx.Exec(ctx, `
		UPDATE positions SET
			exit_price = $2, exit_amount_sol = $3, exit_amount_tokens = $4,
			exit_signature = $5, exit_timestamp = $6, pnl_sol = $7, is_open = FALSE
		WHERE position_id = $1`,
		positionID, exit.ExitPrice, exit.ExitAmountSOL, exit.ExitAmountTokens,
		exit.ExitSignature, exit.ExitTimestamp, pnl,
	)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}

	if t != nil {
		t.PositionID = positionID
		t.IsPositionOpen = false
		if err := insertTradeTx(ctx, tx, t); err != nil {
			return nil, err
		}
	}

	row = tx.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE position_id = $1`, positionID)
	closed, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("reload position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	log.Debug().
		Str("position_id", positionID).
		Str("pnl_sol", pnl.String()).
		Msg("storage: position closed")
	return closed, nil
}

// GetOpenPosition returns the user's open position in mint.
func (s *Store) GetOpenPosition(ctx context.Context, userID int64, mint string) (*domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND token_mint = $2 AND is_open`, userID, mint)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get open position: %w", err)
	}
	return p, nil
}

// GetPosition returns a position by id.
func (s *Store) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE position_id = $1`, positionID)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListOpenPositions returns a user's open positions oldest first.
func (s *Store) ListOpenPositions(ctx context.Context, userID int64) ([]*domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND is_open ORDER BY entry_timestamp`, userID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListUsersWithOpenPositions returns the distinct owners of open positions.
func (s *Store) ListUsersWithOpenPositions(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM positions WHERE is_open ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users with open positions: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var (
		p                                  domain.Position
		raw                                decimal.Decimal
		exitPrice, exitSOL, exitTokens, pn decimal.NullDecimal
	)
	err := row.Scan(
		&p.PositionID, &p.UserID, &p.TokenMint, &p.TokenSymbol, &p.TokenDecimals,
		&p.EntryPrice, &p.EntryAmountSOL, &p.EntryAmountTokens, &raw,
		&p.EntrySignature, &p.EntryTimestamp,
		&exitPrice, &exitSOL, &exitTokens, &p.ExitSignature, &p.ExitTimestamp,
		&p.Source, &p.MetadataJSON, &p.StopLossPct, &p.TakeProfitPct, &pn, &p.IsOpen,
	)
	if err != nil {
		return nil, err
	}
	p.EntryAmountRaw = numericToRaw(raw)
	p.ExitPrice = nullDecimalPtr(exitPrice)
	p.ExitAmountSOL = nullDecimalPtr(exitSOL)
	p.ExitAmountTokens = nullDecimalPtr(exitTokens)
	p.PnLSOL = nullDecimalPtr(pn)
	return &p, nil
}
