package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage"
)

const snipeColumns = `
	snipe_id, user_id, token_mint, token_symbol, amount_sol, status,
	ai_confidence, ai_recommendation, ai_snapshot_json, skip_reason,
	decision_timestamp, triggered_at, completed_at, is_manual,
	target_liquidity_usd, expires_at, context_json`

// UpsertSnipeRun inserts a run or replaces a non-terminal one.
func (s *Store) UpsertSnipeRun(ctx context.Context, r *domain.SnipeRun) error {
	if r == nil || r.SnipeID == "" || r.TokenMint == "" {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM snipe_runs WHERE snipe_id = $1 FOR UPDATE`, r.SnipeID).Scan(&current)
	switch {
	case err == nil:
		from := domain.SnipeStatus(current)
		if from != r.Status && !domain.CanTransition(from, r.Status) {
			return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, from, r.Status)
		}
	case isNotFoundError(err):
		if !domain.CanTransition("", r.Status) {
			return fmt.Errorf("%w: new run in %s", storage.ErrInvalidTransition, r.Status)
		}
		if err := ensureUserTx(ctx, tx, r.UserID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("load snipe run: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO snipe_runs (`+snipeColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		ON CONFLICT (snipe_id) DO UPDATE SET
			token_symbol = EXCLUDED.token_symbol,
			amount_sol = EXCLUDED.amount_sol,
			status = EXCLUDED.status,
			ai_confidence = EXCLUDED.ai_confidence,
			ai_recommendation = EXCLUDED.ai_recommendation,
			ai_snapshot_json = EXCLUDED.ai_snapshot_json,
			skip_reason = EXCLUDED.skip_reason,
			triggered_at = EXCLUDED.triggered_at,
			completed_at = EXCLUDED.completed_at,
			target_liquidity_usd = EXCLUDED.target_liquidity_usd,
			expires_at = EXCLUDED.expires_at,
			context_json = EXCLUDED.context_json`,
		r.SnipeID, r.UserID, r.TokenMint, r.TokenSymbol, r.AmountSOL, string(r.Status),
		r.AIConfidence, r.AIRecommendation, r.AISnapshotJSON, r.SkipReason,
		r.DecisionTimestamp, r.TriggeredAt, r.CompletedAt, r.IsManual,
		r.TargetLiquidityUSD, r.ExpiresAt, r.ContextJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert snipe run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpdateSnipeStatus moves a run along the snipe graph and writes the given fields.
func (s *Store) UpdateSnipeStatus(ctx context.Context, snipeID string, status domain.SnipeStatus, u domain.SnipeUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	if err := tx.QueryRow(ctx, `SELECT status FROM snipe_runs WHERE snipe_id = $1 FOR UPDATE`, snipeID).Scan(&current); err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("load snipe run: %w", err)
	}
	if !domain.CanTransition(domain.SnipeStatus(current), status) {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, current, status)
	}

	_, err = tx.Exec(ctx, `
		UPDATE snipe_runs SET
			status = $2,
			ai_confidence = COALESCE($3, ai_confidence),
			ai_recommendation = COALESCE($4, ai_recommendation),
			ai_snapshot_json = COALESCE($5, ai_snapshot_json),
			skip_reason = COALESCE($6, skip_reason),
			triggered_at = COALESCE($7, triggered_at),
			completed_at = COALESCE($8, completed_at),
			context_json = COALESCE($9, context_json)
		WHERE snipe_id = $1`,
		snipeID, string(status), u.AIConfidence, u.AIRecommendation, u.AISnapshotJSON,
		u.SkipReason, u.TriggeredAt, u.CompletedAt, u.ContextJSON,
	)
	if err != nil {
		return fmt.Errorf("update snipe status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetSnipeRun returns a run by id.
func (s *Store) GetSnipeRun(ctx context.Context, snipeID string) (*domain.SnipeRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snipeColumns+` FROM snipe_runs WHERE snipe_id = $1`, snipeID)
	r, err := scanSnipeRun(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get snipe run: %w", err)
	}
	return r, nil
}

// ListSnipeRuns returns a user's most recent runs.
func (s *Store) ListSnipeRuns(ctx context.Context, userID int64, limit int) ([]*domain.SnipeRun, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.querySnipeRuns(ctx,
		`SELECT `+snipeColumns+` FROM snipe_runs WHERE user_id = $1 ORDER BY decision_timestamp DESC LIMIT $2`,
		userID, limit)
}

// ListSnipeRunsByStatus returns every run in a status, oldest first.
func (s *Store) ListSnipeRunsByStatus(ctx context.Context, status domain.SnipeStatus) ([]*domain.SnipeRun, error) {
	return s.querySnipeRuns(ctx,
		`SELECT `+snipeColumns+` FROM snipe_runs WHERE status = $1 ORDER BY decision_timestamp`, string(status))
}

func (s *Store) querySnipeRuns(ctx context.Context, query string, args ...any) ([]*domain.SnipeRun, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snipe runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.SnipeRun
	for rows.Next() {
		r, err := scanSnipeRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snipe run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSnipeRun(row pgx.Row) (*domain.SnipeRun, error) {
	var (
		r      domain.SnipeRun
		status string
	)
	err := row.Scan(
		&r.SnipeID, &r.UserID, &r.TokenMint, &r.TokenSymbol, &r.AmountSOL, &status,
		&r.AIConfidence, &r.AIRecommendation, &r.AISnapshotJSON, &r.SkipReason,
		&r.DecisionTimestamp, &r.TriggeredAt, &r.CompletedAt, &r.IsManual,
		&r.TargetLiquidityUSD, &r.ExpiresAt, &r.ContextJSON,
	)
	if err != nil {
		return nil, err
	}
	r.Status = domain.SnipeStatus(status)
	return &r, nil
}
