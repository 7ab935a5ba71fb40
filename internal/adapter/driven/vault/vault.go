// Package vault implements the SecretVault port with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/ericfisherdev/impactescrow/internal/domain/condition"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// SecretSize is the length in bytes of every generated fulfillment preimage.
const SecretSize = 32

// KeySize is the required length of the master key.
const KeySize = 32

const (
	recordVersion = "v1"
	hkdfInfo      = "impactescrow/fulfillment/v1"
)

// ErrKeyRequired is returned when no key is configured outside development.
var ErrKeyRequired = errors.New("secret key not configured: set ESCROW_SECRET_KEY")

// Compile-time interface satisfaction check.
var _ driven.SecretVault = (*Vault)(nil)

// Vault seals fulfillments with a key derived once at construction. It holds
// no other state and is safe for concurrent use.
type Vault struct {
	aead   cipher.AEAD
	random io.Reader
}

// New derives the record key from a 32-byte master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", KeySize, len(masterKey))
	}

	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo)), derived); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	return &Vault{aead: gcm, random: rand.Reader}, nil
}

// Open builds a Vault from the configured key string. An empty key is a
// startup error unless development is true, in which case a random key that
// lives only as long as the process is used.
func Open(encodedKey string, development bool) (*Vault, error) {
	if encodedKey == "" {
		if !development {
			return nil, ErrKeyRequired
		}
		slog.Warn("ESCROW_SECRET_KEY not set; using an ephemeral key, stored fulfillments will be unreadable after restart")
		key := make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		return New(key)
	}

	key, err := ParseKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// ParseKey accepts a 32-byte key as hex or standard base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("secret key must be %d bytes encoded as hex or base64", KeySize)
}

// GenerateSecret draws a fresh preimage from crypto/rand.
func (v *Vault) GenerateSecret() (condition.Fulfillment, condition.Condition, error) {
	preimage := make([]byte, SecretSize)
	if _, err := io.ReadFull(v.random, preimage); err != nil {
		return condition.Fulfillment{}, condition.Condition{}, fmt.Errorf("read random secret: %w", err)
	}
	f := condition.NewFulfillment(preimage)
	clear(preimage)
	return f, f.Condition(), nil
}

// Encrypt returns "v1:" followed by base64(nonce || ciphertext || tag).
func (v *Vault) Encrypt(f condition.Fulfillment) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(v.random, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, f.Preimage(), []byte(recordVersion))
	return recordVersion + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a record. Every failure wraps model.ErrDecryptionFailed.
func (v *Vault) Decrypt(record string) (condition.Fulfillment, error) {
	version, encoded, ok := strings.Cut(record, ":")
	if !ok || version != recordVersion {
		return condition.Fulfillment{}, fmt.Errorf("%w: unsupported record version", model.ErrDecryptionFailed)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return condition.Fulfillment{}, fmt.Errorf("%w: base64 decode", model.ErrDecryptionFailed)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return condition.Fulfillment{}, fmt.Errorf("%w: ciphertext too short", model.ErrDecryptionFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, []byte(recordVersion))
	if err != nil {
		return condition.Fulfillment{}, fmt.Errorf("%w: authentication failed", model.ErrDecryptionFailed)
	}

	f := condition.NewFulfillment(plaintext)
	clear(plaintext)
	return f, nil
}
