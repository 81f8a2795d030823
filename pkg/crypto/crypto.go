// Package crypto provides the cryptographic primitives used by credvault.
//
// Vault secrets are never stored. A vault secret is stretched with Argon2id
// into a key-encryption key (KEK) that wraps a random data-encryption key
// (DEK); credential passwords are sealed with the DEK using AES-256-GCM.
// The registry admin secret, which protects no data, is kept as an encoded
// Argon2id hash instead (see HashSecret).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

const (
	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the length of Argon2id salts in bytes.
	SaltLength = 16
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates decryption or authentication tag verification failed.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than nonce plus GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidParams indicates Argon2id parameters outside the accepted range.
	ErrInvalidParams = errors.New("crypto: invalid argon2id parameters")
)

// Params are the Argon2id cost parameters. They are persisted next to every
// salt so a vault keeps opening after the defaults change.
type Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams follow the OWASP recommendation (64MB, 3 iterations, 4 lanes).
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// Validate rejects parameters that are zero or large enough to exhaust memory.
func (p Params) Validate() error {
	if p.Time == 0 || p.Threads == 0 || p.Memory < 8*uint32(p.Threads) {
		return ErrInvalidParams
	}
	if p.Memory > 4*1024*1024 || p.Time > 64 {
		return ErrInvalidParams
	}
	return nil
}

// DeriveKey derives a 256-bit key from a secret using Argon2id.
// The salt should be SaltLength bytes from RandomBytes.
func DeriveKey(secret, salt []byte, p Params) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, KeyLength)
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
// The authentication tag is appended to the ciphertext.
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce, err = RandomBytes(NonceLength)
	if err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext produced by Encrypt. Any tag mismatch, including
// one caused by a wrong key, is reported as ErrDecryptionFailed.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext, the layout used for
// single-column storage.
func Seal(key, plaintext []byte) ([]byte, error) {
	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < NonceLength {
		return nil, ErrCiphertextTooShort
	}
	return Decrypt(key, sealed[NonceLength:], sealed[:NonceLength])
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
