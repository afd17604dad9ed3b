// Package vault holds per-user signing keys encrypted at rest.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"filippo.io/edwards25519"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage"
)

var (
	ErrNoKeypair   = errors.New("vault: no keypair for user")
	ErrKeyMismatch = errors.New("vault: decrypted key does not match stored public key")
	ErrInvalidKey  = errors.New("vault: invalid ed25519 key")
)

// KeyStore is the persistence the vault needs.
type KeyStore interface {
	EnsureUser(ctx context.Context, userID int64) error
	GetKeypair(ctx context.Context, userID int64) (*domain.Keypair, error)
	InsertKeypair(ctx context.Context, kp *domain.Keypair) error
	TouchKeypair(ctx context.Context, userID int64, at time.Time) error
}

// Vault creates, stores and decrypts user keypairs. Decrypted keys are cached for the
// process lifetime; nothing outside ExportPrivateKey renders them as text.
type Vault struct {
	store KeyStore
	enc   *Encryptor

	mu    sync.Mutex
	cache map[int64]solana.PrivateKey
}

// New creates a Vault.
func New(store KeyStore, enc *Encryptor) *Vault {
	return &Vault{
		store: store,
		enc:   enc,
		cache: make(map[int64]solana.PrivateKey),
	}
}

// GetOrCreate returns the user's public key, generating and storing a keypair on first use.
func (v *Vault) GetOrCreate(ctx context.Context, userID int64) (string, error) {
	kp, err := v.store.GetKeypair(ctx, userID)
	if err == nil {
		return kp.PublicKey, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("load keypair: %w", err)
	}

	if err := v.store.EnsureUser(ctx, userID); err != nil {
		return "", fmt.Errorf("ensure user: %w", err)
	}

	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return "", fmt.Errorf("generate keypair: %w", err)
	}
	sealed, err := v.enc.Seal(priv)
	if err != nil {
		return "", fmt.Errorf("encrypt keypair: %w", err)
	}

	pub := priv.PublicKey().String()
	err = v.store.InsertKeypair(ctx, &domain.Keypair{
		UserID:              userID,
		PublicKey:           pub,
		EncryptedPrivateKey: sealed,
		CreatedAt:           time.Now().UTC(),
	})
	if errors.Is(err, storage.ErrDuplicateKey) {
		// Lost a race with another creator; theirs wins.
		kp, err := v.store.GetKeypair(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("reload keypair: %w", err)
		}
		return kp.PublicKey, nil
	}
	if err != nil {
		return "", fmt.Errorf("store keypair: %w", err)
	}

	v.mu.Lock()
	v.cache[userID] = priv
	v.mu.Unlock()

	log.Info().Int64("user_id", userID).Str("pubkey", pub).Msg("vault: keypair created")
	return pub, nil
}

// GetKeypair returns the decrypted signing key for userID.
func (v *Vault) GetKeypair(ctx context.Context, userID int64) (solana.PrivateKey, error) {
	v.mu.Lock()
	if k, ok := v.cache[userID]; ok {
		v.mu.Unlock()
		return k, nil
	}
	v.mu.Unlock()

	kp, err := v.store.GetKeypair(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoKeypair
	}
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	raw, err := v.enc.Open(kp.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt keypair: %w", err)
	}
	priv, err := checkKey(raw, kp.PublicKey)
	if err != nil {
		return nil, err
	}

	if err := v.store.TouchKeypair(ctx, userID, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("vault: touch last_used failed")
	}

	v.mu.Lock()
	v.cache[userID] = priv
	v.mu.Unlock()
	return priv, nil
}

// PublicKey returns the stored public key without decrypting.
func (v *Vault) PublicKey(ctx context.Context, userID int64) (solana.PublicKey, error) {
	kp, err := v.store.GetKeypair(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return solana.PublicKey{}, ErrNoKeypair
	}
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("load keypair: %w", err)
	}
	return solana.PublicKeyFromBase58(kp.PublicKey)
}

// ExportPrivateKey returns the base58 encoding of the 64-byte keypair. Operator use only.
func (v *Vault) ExportPrivateKey(ctx context.Context, userID int64) (string, error) {
	priv, err := v.GetKeypair(ctx, userID)
	if err != nil {
		return "", err
	}
	log.Warn().Int64("user_id", userID).Msg("vault: private key exported")
	return base58.Encode(priv), nil
}

// ClearCache drops all decrypted keys held in memory.
func (v *Vault) ClearCache() {
	v.mu.Lock()
	v.cache = make(map[int64]solana.PrivateKey)
	v.mu.Unlock()
}

func checkKey(raw []byte, storedPub string) (solana.PrivateKey, error) {
	if len(raw) != 64 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidKey, len(raw))
	}
	priv := solana.PrivateKey(raw)
	pub := priv.PublicKey()
	if _, err := new(edwards25519.Point).SetBytes(pub[:]); err != nil {
		return nil, fmt.Errorf("%w: public key off curve", ErrInvalidKey)
	}
	if pub.String() != storedPub {
		return nil, ErrKeyMismatch
	}
	return priv, nil
}

// IsOnCurve reports whether a base58 address decodes to a valid ed25519 point.
// Program-derived addresses are off curve.
func IsOnCurve(address string) bool {
	b, err := base58.Decode(address)
	if err != nil || len(b) != 32 {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// ValidAddress reports whether s is a 32-byte base58 string.
func ValidAddress(s string) bool {
	b, err := base58.Decode(s)
	return err == nil && len(b) == 32
}
