package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts credentials with AES-256-GCM before persisting. The
// organization id is bound into each ciphertext as additional data, so a
// row copied to another organization's key fails to decrypt.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
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

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// secretKey is the storage key of one credential: "org/<org>/<name>".
func secretKey(organizationID, name string) (string, error) {
	if organizationID == "" || strings.Contains(organizationID, "/") {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid organization id %q", organizationID)
	}
	if name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "credential name is required")
	}
	return orgPrefix(organizationID) + name, nil
}

func orgPrefix(organizationID string) string {
	return "org/" + organizationID + "/"
}

func (v *AESVault) encrypt(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (v *AESVault) decrypt(ciphertext, aad []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], aad)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Put encrypts and stores a credential, replacing any previous value.
func (v *AESVault) Put(ctx context.Context, organizationID, name string, value []byte) error {
	key, err := secretKey(organizationID, name)
	if err != nil {
		return err
	}
	encrypted, err := v.encrypt(value, []byte(organizationID))
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, encrypted)
}

// Credential returns the decrypted credential. It implements
// actions.CredentialResolver.
func (v *AESVault) Credential(ctx context.Context, organizationID, name string) (string, error) {
	key, err := secretKey(organizationID, name)
	if err != nil {
		return "", err
	}
	encrypted, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}
	plaintext, err := v.decrypt(encrypted, []byte(organizationID))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (v *AESVault) Delete(ctx context.Context, organizationID, name string) error {
	key, err := secretKey(organizationID, name)
	if err != nil {
		return err
	}
	return v.store.DeleteSecret(ctx, key)
}

// List returns the credential names of one organization.
func (v *AESVault) List(ctx context.Context, organizationID string) ([]string, error) {
	keys, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	prefix := orgPrefix(organizationID)
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			names = append(names, name)
		}
	}
	return names, nil
}
