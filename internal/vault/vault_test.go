package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/storage/memory"
)

func testEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	enc, err := NewEncryptor(key, 1)
	require.NoError(t, err)
	return enc
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc := testEncryptor(t)
	payload := []byte("sixty-four bytes of key material would normally live here......")

	sealed, err := enc.Seal(payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "ENC[v1]:"))
	assert.Equal(t, 1, ParseVersion(sealed))

	opened, err := enc.Open(sealed)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, opened))

	again, err := enc.Seal(payload)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")
}

func TestEncryptorRejectsTampering(t *testing.T) {
	enc := testEncryptor(t)
	sealed, err := enc.Seal([]byte("secret"))
	require.NoError(t, err)

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, "ENC[v1]:"))
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	_, err = enc.Open("ENC[v1]:" + base64.StdEncoding.EncodeToString(data))
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = testEncryptor(t).Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "foreign key")

	_, err = enc.Open("plain")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
	_, err = enc.Open("ENC[v1]:AAAA")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEncryptorKeySize(t *testing.T) {
	_, err := NewEncryptor([]byte("short"), 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEncryptorFromEnv(t *testing.T) {
	t.Setenv("TC_VAULT_TEST_KEY", "")
	_, err := EncryptorFromEnv("TC_VAULT_TEST_KEY", 1)
	assert.ErrorIs(t, err, ErrMissingMasterKey)

	t.Setenv("TC_VAULT_TEST_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	_, err = EncryptorFromEnv("TC_VAULT_TEST_KEY", 1)
	assert.NoError(t, err)

	t.Setenv("TC_VAULT_TEST_KEY", base64.StdEncoding.EncodeToString(make([]byte, 16)))
	_, err = EncryptorFromEnv("TC_VAULT_TEST_KEY", 1)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestVaultCreateAndDecrypt(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	v := New(store, testEncryptor(t))

	pub, err := v.GetOrCreate(ctx, 11)
	require.NoError(t, err)

	again, err := v.GetOrCreate(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, pub, again, "one keypair per user")

	v.ClearCache()
	priv, err := v.GetKeypair(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, pub, priv.PublicKey().String())

	kp, err := store.GetKeypair(ctx, 11)
	require.NoError(t, err)
	assert.NotNil(t, kp.LastUsed)
	assert.NotContains(t, kp.EncryptedPrivateKey, priv.String())

	exported, err := v.ExportPrivateKey(ctx, 11)
	require.NoError(t, err)
	decoded, err := base58.Decode(exported)
	require.NoError(t, err)
	assert.Len(t, decoded, 64)
	assert.Equal(t, pub, solana.PrivateKey(decoded).PublicKey().String())
}

func TestVaultNoKeypair(t *testing.T) {
	v := New(memory.NewStore(), testEncryptor(t))
	_, err := v.GetKeypair(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNoKeypair)
	_, err = v.PublicKey(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNoKeypair)
}

func TestVaultDetectsMismatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	enc := testEncryptor(t)
	v := New(store, enc)

	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	sealed, err := enc.Seal(other)
	require.NoError(t, err)

	wrongPub := solana.NewWallet().PublicKey().String()
	require.NoError(t, store.InsertKeypair(ctx, &domain.Keypair{
		UserID: 5, PublicKey: wrongPub, EncryptedPrivateKey: sealed,
	}))

	_, err = v.GetKeypair(ctx, 5)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestAddressHelpers(t *testing.T) {
	w := solana.NewWallet().PublicKey().String()
	assert.True(t, ValidAddress(w))
	assert.True(t, IsOnCurve(w))
	assert.False(t, ValidAddress("not-base58-0OIl"))
	assert.False(t, ValidAddress("abc"))
}
