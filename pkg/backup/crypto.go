package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/credvault/pkg/crypto"
)

const (
	// SaltLength is the length of the backup salt in bytes.
	SaltLength = 32

	// HMACLength is the length of the HMAC-SHA256 in bytes.
	HMACLength = 32

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = crypto.KeyLength
)

// HKDF info strings for key derivation.
const (
	hkdfInfoEncryption = "credvault-backup-encryption"
	hkdfInfoMAC        = "credvault-backup-mac"
)

// GenerateSalt generates a fresh salt for one backup.
func GenerateSalt() ([]byte, error) {
	return crypto.RandomBytes(SaltLength)
}

// DeriveBackupKeys derives encryption and MAC keys from a passphrase and salt.
func DeriveBackupKeys(password, salt []byte, p crypto.Params) (encKey, macKey []byte, err error) {
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	masterKey := crypto.DeriveKey(password, salt, p)
	defer crypto.SecureWipe(masterKey)
	return splitKey(masterKey)
}

// splitKey derives the encryption and MAC keys from one root key.
func splitKey(root []byte) (encKey, macKey []byte, err error) {
	encKey, err = deriveHKDF(root, []byte(hkdfInfoEncryption))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	macKey, err = deriveHKDF(root, []byte(hkdfInfoMAC))
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

// deriveHKDF derives a key using HKDF-SHA256.
func deriveHKDF(secret, info []byte) ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptPayload encrypts the payload using AES-256-GCM.
// Returns nonce prepended to ciphertext.
func EncryptPayload(plaintext, key []byte) ([]byte, error) {
	sealed, err := crypto.Seal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return sealed, nil
}

// DecryptPayload reverses EncryptPayload.
func DecryptPayload(data, key []byte) ([]byte, error) {
	plaintext, err := crypto.Open(key, data)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ComputeHMAC computes HMAC-SHA256 over the given data.
func ComputeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC verifies the HMAC-SHA256 of the given data.
func VerifyHMAC(data, expectedMAC, key []byte) bool {
	return hmac.Equal(ComputeHMAC(data, key), expectedMAC)
}

// ReadKeyFile reads a 32-byte encryption key from a file.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(key) != KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile writes a random 32-byte key to path, which must not exist.
func GenerateKeyFile(path string) error {
	key, err := crypto.RandomBytes(KeyLength)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	defer crypto.SecureWipe(key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	_, err = f.Write(key)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Join(fmt.Errorf("failed to write key file: %w", err), os.Remove(path))
	}
	return nil
}
