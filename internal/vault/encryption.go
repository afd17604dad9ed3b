package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// KeySize is the AES-256 master key length.
	KeySize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12
	// VersionPrefix prefixes every sealed value: ENC[v1]:base64(nonce||ciphertext)
	VersionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrMissingMasterKey  = errors.New("master key not set")
)

// Encryptor seals and opens byte payloads with AES-256-GCM.
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates an Encryptor. key must be 32 bytes.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if version <= 0 {
		version = 1
	}
	return &Encryptor{aead: gcm, version: version}, nil
}

// EncryptorFromEnv reads a base64 master key from the named environment variable.
func EncryptorFromEnv(envName string, version int) (*Encryptor, error) {
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingMasterKey, envName)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", envName, err)
	}
	return NewEncryptor(key, version)
}

// Seal encrypts plaintext and returns the versioned envelope.
func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf(VersionPrefix, e.version) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Tampered or foreign envelopes fail with ErrDecryptionFailed.
func (e *Encryptor) Open(envelope string) ([]byte, error) {
	if !strings.HasPrefix(envelope, "ENC[v") {
		return nil, ErrInvalidCiphertext
	}
	idx := strings.Index(envelope, "]:")
	if idx == -1 {
		return nil, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(envelope[idx+2:])
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < NonceSize+e.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ParseVersion extracts the key version from an envelope, 0 if malformed.
func ParseVersion(envelope string) int {
	var version int
	if _, err := fmt.Sscanf(envelope, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
