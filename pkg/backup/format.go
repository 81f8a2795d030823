package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/forest6511/credvault/pkg/crypto"
)

// MagicNumber opens every backup file: "CVLT_BKP".
var MagicNumber = [8]byte{'C', 'V', 'L', 'T', '_', 'B', 'K', 'P'}

// FormatVersion is the current backup format version.
const FormatVersion = 1

// maxHeaderSize bounds the header read from untrusted input.
const maxHeaderSize = 1024 * 1024

// EncryptionMode specifies how the backup is encrypted.
type EncryptionMode string

const (
	// EncryptionModePassphrase derives the keys from a passphrase with Argon2id.
	EncryptionModePassphrase EncryptionMode = "passphrase"
	// EncryptionModeKey uses a separate 32-byte key file.
	EncryptionModeKey EncryptionMode = "key"
)

// KDFParams contains Argon2id key derivation parameters.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory"`     // KiB
	Iterations  uint32 `json:"iterations"` // time cost
	Parallelism uint8  `json:"parallelism"`
}

func (p *KDFParams) params() crypto.Params {
	return crypto.Params{Time: p.Iterations, Memory: p.Memory, Threads: p.Parallelism}
}

// Header contains backup file metadata. It is authenticated but not
// encrypted.
type Header struct {
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	Vault           string         `json:"vault"`
	EncryptionMode  EncryptionMode `json:"encryption_mode"`
	KDFParams       *KDFParams     `json:"kdf_params,omitempty"` // nil for EncryptionModeKey
	CredentialCount int            `json:"credential_count"`
	ChecksumAlgo    string         `json:"checksum_algorithm"`
}

// Payload is the encrypted part of a backup.
type Payload struct {
	VaultDB []byte `json:"vault_db"` // SQLite vault file
}

// WriteHeader writes the magic number and header to the writer.
func WriteHeader(w io.Writer, header *Header) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("failed to write magic number: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the magic number and header from the reader.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, ErrInvalidMagic
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: header length: %w", ErrTruncated, err)
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrTruncated, err)
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}

	if header.Version < 1 || header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: got %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}
	return &header, nil
}

// EncodePayload encodes the payload to JSON bytes.
func EncodePayload(payload *Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload decodes JSON bytes to a payload.
func DecodePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &payload, nil
}
