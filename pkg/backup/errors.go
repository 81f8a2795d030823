// Package backup writes encrypted vault backups and restores them.
package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the backup file has an invalid magic number.
	ErrInvalidMagic = errors.New("invalid backup file: magic number mismatch")

	// ErrUnsupportedVersion indicates the backup format version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported backup format version")

	// ErrTruncated indicates the backup ends before its declared length.
	ErrTruncated = errors.New("backup file truncated")

	// ErrIntegrityFailed indicates the HMAC verification failed: a wrong
	// passphrase or key file, or a modified file.
	ErrIntegrityFailed = errors.New("backup integrity check failed: HMAC mismatch")

	// ErrDecryptionFailed indicates decryption failed after the HMAC matched.
	ErrDecryptionFailed = errors.New("backup decryption failed: corrupted data")

	// ErrInvalidKeyFile indicates the key file is invalid or wrong size.
	ErrInvalidKeyFile = errors.New("invalid key file: must be exactly 32 bytes")

	// ErrEmptyPassword indicates neither a passphrase nor a key file was given.
	ErrEmptyPassword = errors.New("backup passphrase or key file is required")
)
