package runtime

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mohammad-safakhou/recall/internal/fault"
)

// SessionCipher seals Telegram session strings before they touch the
// database. XChaCha20-Poly1305 with a 32-byte key from server.session_key;
// the sealed form is base64(nonce || ciphertext).
type SessionCipher struct {
	aead cipher.AEAD
}

// NewSessionCipher builds a cipher from a 64-character hex key.
func NewSessionCipher(hexKey string) (*SessionCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("session cipher: %w", err)
	}
	return &SessionCipher{aead: aead}, nil
}

// Seal encrypts a session string under a fresh random nonce.
func (c *SessionCipher) Seal(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("session nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed session string.
func (c *SessionCipher) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed session: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("sealed session too short")
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed session: %w", err)
	}
	return string(plain), nil
}

// SessionStore is the store surface the vault reads sealed sessions from.
type SessionStore interface {
	GetTenantSession(ctx context.Context, tenantID int64) (string, bool, error)
}

// SessionVault hands unsealed session strings to the indexing coordinator.
type SessionVault struct {
	store  SessionStore
	cipher *SessionCipher
}

// NewSessionVault constructs a vault over the given store and cipher.
func NewSessionVault(store SessionStore, cipher *SessionCipher) *SessionVault {
	return &SessionVault{store: store, cipher: cipher}
}

// SessionFor returns the tenant's decrypted Telegram session string. A
// missing session is a NotFound fault; an undecryptable one is Internal,
// which usually means the session key changed after sealing.
func (v *SessionVault) SessionFor(ctx context.Context, tenantID int64) (string, error) {
	sealed, ok, err := v.store.GetTenantSession(ctx, tenantID)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "load tenant session")
	}
	if !ok || sealed == "" {
		return "", fault.New(fault.NotFound, "no telegram session stored for tenant")
	}
	plain, err := v.cipher.Open(sealed)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, "unseal tenant session")
	}
	return plain, nil
}
