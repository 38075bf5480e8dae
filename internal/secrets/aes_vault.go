package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/conviction/pkg/schema"
)

const defaultPBKDF2Iterations = 100_000

// VaultConfig selects the AES key: a raw 32-byte MasterKey wins; otherwise
// the key is derived from Passphrase + Salt with PBKDF2-SHA256.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

func (c VaultConfig) key() ([]byte, error) {
	if len(c.MasterKey) > 0 {
		if len(c.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(c.MasterKey))
		}
		return c.MasterKey, nil
	}
	if c.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(c.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iter := c.Iterations
	if iter <= 0 {
		iter = defaultPBKDF2Iterations
	}
	return pbkdf2.Key(sha256.New, c.Passphrase, c.Salt, iter, 32)
}

// AESVault holds provider credentials encrypted with AES-256-GCM; the
// ciphertext (nonce-prefixed) lives in the audit store's secrets table and
// plaintext exists only in memory during Resolve.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault derives the key per cfg and wraps the given store.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

// Store encrypts and persists a secret under key.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, value, nil)
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve loads and decrypts the secret stored under key.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plain, err := v.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plain, nil
}

// Delete removes the secret stored under key.
func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

// List returns the stored secret keys.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
