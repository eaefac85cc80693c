// Package vault provides at-rest encryption/decryption for registry, SMTP,
// and OIDC secrets (C2), grounded on original_source/backend/updates/
// update_checker.py's decrypt-on-read contract ("_get_registry_credentials"
// calls decrypt_password and treats a decrypt failure as "no credentials")
// and stats-service/main.go's writeTokenSecurely atomic-temp-file-then-
// rename, 0600-permission pattern for the master key file.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a ciphertext fails to authenticate, e.g.
// because the master key has rotated or the stored value is corrupt.
var ErrDecrypt = errors.New("vault: decryption failed")

// Vault encrypts and decrypts secret strings with a single server-local
// master key. One process-wide instance is expected; it holds no mutable
// state beyond the key itself.
type Vault struct {
	aead rawAEAD
}

// rawAEAD is the subset of cipher.AEAD Vault needs, named so tests can swap
// in a fake without importing crypto/cipher directly here.
type rawAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// New builds a Vault from a 32-byte master key.
func New(key []byte) (*Vault, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("vault: constructing AEAD: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt returns a base64url envelope of nonce||ciphertext. The envelope
// format is opaque to callers; only Decrypt needs to understand it.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure (malformed envelope, wrong key,
// tampered ciphertext) is reported as ErrDecrypt so callers can treat it the
// way update_checker.py treats a decrypt failure: log and behave as if no
// credentials were stored, rather than propagating a crypto-shaped error.
func (v *Vault) Decrypt(envelope string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	nonceSize := v.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: envelope too short", ErrDecrypt)
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

// LoadOrCreateMasterKey reads a 32-byte key from path, generating and
// persisting one on first run. The file is written the same way
// stats-service writes its token file: a temp file in the same directory,
// chmod 0600, then renamed into place, so a crash mid-write never leaves a
// partially written key.
func LoadOrCreateMasterKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(string(data))
		if decodeErr != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("vault: existing key file %s is invalid", path)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("vault: reading key file: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("vault: generating master key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := writeKeySecurely(path, encoded); err != nil {
		return nil, err
	}
	return key, nil
}

func writeKeySecurely(path, contents string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("vault: creating key directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-key-*.tmp")
	if err != nil {
		return fmt.Errorf("vault: creating temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: setting key file permissions: %w", err)
	}
	if _, err := tmp.WriteString(contents); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: writing key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: closing key file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("vault: renaming key file into place: %w", err)
	}
	return nil
}
