package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage"
)

const walletColumns = `
	user_id, address, label, score, copy_enabled, copy_amount,
	total_trades, profitable_trades, win_rate, total_pnl, updated_at`

// ListTrackedWallets returns a user's roster ordered by score.
func (s *Store) ListTrackedWallets(ctx context.Context, userID int64) ([]*domain.TrackedWallet, error) {
	return s.queryWallets(ctx,
		`SELECT `+walletColumns+` FROM tracked_wallets WHERE user_id = $1 ORDER BY score DESC, address`, userID)
}

// ListAllTrackedWallets returns every roster row across users.
func (s *Store) ListAllTrackedWallets(ctx context.Context) ([]*domain.TrackedWallet, error) {
	return s.queryWallets(ctx, `SELECT `+walletColumns+` FROM tracked_wallets ORDER BY address, user_id`)
}

// UpsertTrackedWallet inserts or updates a roster row. The user is created if needed.
func (s *Store) UpsertTrackedWallet(ctx context.Context, w *domain.TrackedWallet) error {
	if w == nil || w.UserID == 0 || w.Address == "" {
		return storage.ErrInvalidInput
	}
	if w.Score < 0 || w.Score > 100 {
		return fmt.Errorf("%w: score %.2f outside [0,100]", storage.ErrInvalidInput, w.Score)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureUserTx(ctx, tx, w.UserID); err != nil {
		return err
	}

	w.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO tracked_wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, address) DO UPDATE SET
			label = EXCLUDED.label,
			score = EXCLUDED.score,
			copy_enabled = EXCLUDED.copy_enabled,
			copy_amount = EXCLUDED.copy_amount,
			total_trades = EXCLUDED.total_trades,
			profitable_trades = EXCLUDED.profitable_trades,
			win_rate = EXCLUDED.win_rate,
			total_pnl = EXCLUDED.total_pnl,
			updated_at = EXCLUDED.updated_at`,
		w.UserID, w.Address, w.Label, w.Score, w.CopyEnabled, w.CopyAmount,
		w.TotalTrades, w.ProfitableTrades, w.WinRate, w.TotalPnL, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert tracked wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpdateWalletScore writes analysis results to every roster row for address.
func (s *Store) UpdateWalletScore(ctx context.Context, address string, st domain.WalletStats) error {
	if st.Score < 0 || st.Score > 100 {
		return fmt.Errorf("%w: score %.2f outside [0,100]", storage.ErrInvalidInput, st.Score)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE tracked_wallets SET
			score = $2, total_trades = $3, profitable_trades = $4,
			win_rate = $5, total_pnl = $6, updated_at = $7
		WHERE address = $1`,
		address, st.Score, st.TotalTrades, st.ProfitableTrades, st.WinRate, st.TotalPnL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update wallet score: %w", err)
	}
	return nil
}

func (s *Store) queryWallets(ctx context.Context, query string, args ...any) ([]*domain.TrackedWallet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracked wallets: %w", err)
	}
	defer rows.Close()

	var out []*domain.TrackedWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracked wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (*domain.TrackedWallet, error) {
	var w domain.TrackedWallet
	err := row.Scan(
		&w.UserID, &w.Address, &w.Label, &w.Score, &w.CopyEnabled, &w.CopyAmount,
		&w.TotalTrades, &w.ProfitableTrades, &w.WinRate, &w.TotalPnL, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
