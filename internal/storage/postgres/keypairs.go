package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage"
)

// GetKeypair returns the stored keypair record for a user.
func (s *Store) GetKeypair(ctx context.Context, userID int64) (*domain.Keypair, error) {
	var kp domain.Keypair
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, public_key, encrypted_private_key, created_at, last_used
		FROM keypairs WHERE user_id = $1`, userID,
	).Scan(&kp.UserID, &kp.PublicKey, &kp.EncryptedPrivateKey, &kp.CreatedAt, &kp.LastUsed)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get keypair: %w", err)
	}
	return &kp, nil
}

// InsertKeypair stores a new keypair. The user row is created if needed.
func (s *Store) InsertKeypair(ctx context.Context, kp *domain.Keypair) error {
	if kp == nil || kp.UserID == 0 || kp.PublicKey == "" || kp.EncryptedPrivateKey == "" {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureUserTx(ctx, tx, kp.UserID); err != nil {
		return err
	}

	if kp.CreatedAt.IsZero() {
		kp.CreatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO keypairs (user_id, public_key, encrypted_private_key, created_at, last_used)
		VALUES ($1, $2, $3, $4, $5)`,
		kp.UserID, kp.PublicKey, kp.EncryptedPrivateKey, kp.CreatedAt, kp.LastUsed,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert keypair: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// TouchKeypair records the last time a key was used for signing.
func (s *Store) TouchKeypair(ctx context.Context, userID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE keypairs SET last_used = $2 WHERE user_id = $1`, userID, at)
	if err != nil {
		return fmt.Errorf("touch keypair: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
