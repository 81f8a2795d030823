package backup

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/storage"
	"github.com/forest6511/credvault/pkg/vault"
)

// snapshotName is the file name used for vault copies in temp directories.
const snapshotName = "vault.db"

// Options selects the backup key. KeyFile takes precedence over Password.
type Options struct {
	// Password is the backup passphrase. It is independent of the vault
	// secret.
	Password []byte
	// KeyFile is the path of a 32-byte key file.
	KeyFile string
	// KDF is the Argon2id cost for passphrase backups. Zero uses
	// crypto.DefaultParams. Ignored when reading: the stored cost is used.
	KDF crypto.Params

	now func() time.Time
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	Options
	// Overwrite replaces an existing vault at the target path.
	Overwrite bool
	// DryRun verifies and decrypts the backup without writing.
	DryRun bool
}

// RestoreResult describes a restore.
type RestoreResult struct {
	Header *Header
	// Replaced is set when an existing vault was overwritten.
	Replaced bool
	DryRun   bool
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	Valid           bool      `json:"valid"`
	Version         int       `json:"version,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitzero"`
	Vault           string    `json:"vault,omitempty"`
	CredentialCount int       `json:"credential_count"`
	Error           string    `json:"error,omitempty"`
}

// Backup writes an encrypted copy of the vault behind sess to w. The vault
// must stay unlocked for the duration of the call.
//
// Layout: magic | header length | header JSON | ciphertext length |
// ciphertext | HMAC-SHA256 over everything before it.
func Backup(ctx context.Context, sess *vault.Session, w io.Writer, opts Options) (*Header, error) {
	header := &Header{
		Version:      FormatVersion,
		Vault:        sess.Name(),
		ChecksumAlgo: "sha256",
	}

	encKey, macKey, err := opts.newKeys(header)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	titles, err := sess.Credentials().Titles(ctx)
	if err != nil {
		return nil, err
	}
	header.CredentialCount = len(titles)

	db, err := snapshot(ctx, sess)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(db)

	payloadBytes, err := EncodePayload(&Payload{VaultDB: db})
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(payloadBytes)

	ciphertext, err := EncryptPayload(payloadBytes, encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	now := time.Now
	if opts.now != nil {
		now = opts.now
	}
	header.CreatedAt = now().UTC()

	// Buffer first so the HMAC covers exactly what is written.
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext))); err != nil {
		return nil, err
	}
	buf.Write(ciphertext)

	mac := ComputeHMAC(buf.Bytes(), macKey)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	if _, err := w.Write(mac); err != nil {
		return nil, fmt.Errorf("failed to write HMAC: %w", err)
	}
	return header, nil
}

// snapshot copies the vault file into a private temp directory next to it
// and returns its bytes.
func snapshot(ctx context.Context, sess *vault.Session) ([]byte, error) {
	dir, err := os.MkdirTemp(filepath.Dir(sess.Path()), ".backup-*")
	if err != nil {
		return nil, fmt.Errorf("%w: backup temp dir: %w", vault.ErrStorageUnavailable, err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, snapshotName)
	if err := sess.Snapshot(ctx, path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault snapshot: %w", err)
	}
	return data, nil
}

// Verify checks backup integrity without restoring. Integrity and key
// failures are reported in the result, not as errors.
func Verify(r io.Reader, opts Options) (*VerifyResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	header, payload, err := verifyAndDecrypt(data, opts)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}
	crypto.SecureWipe(payload.VaultDB)

	return &VerifyResult{
		Valid:           true,
		Version:         header.Version,
		CreatedAt:       header.CreatedAt,
		Vault:           header.Vault,
		CredentialCount: header.CredentialCount,
	}, nil
}

// Restore decrypts the backup in r and installs it as the vault at path
// through svc. The restored vault opens with the vault secret it had when
// it was backed up.
func Restore(ctx context.Context, svc *vault.Service, r io.Reader, path string, opts RestoreOptions) (*RestoreResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	header, payload, err := verifyAndDecrypt(data, opts.Options)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(payload.VaultDB)

	existed := storage.Exists(path)
	if opts.DryRun {
		if existed && !opts.Overwrite {
			return nil, vault.ErrAlreadyExists
		}
		return &RestoreResult{Header: header, Replaced: existed, DryRun: true}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), storage.DirMode); err != nil {
		return nil, fmt.Errorf("%w: create vault directory: %w", vault.ErrStorageUnavailable, err)
	}
	// The temp copy sits beside the target so the final move is a rename.
	dir, err := os.MkdirTemp(filepath.Dir(path), ".restore-*")
	if err != nil {
		return nil, fmt.Errorf("%w: restore temp dir: %w", vault.ErrStorageUnavailable, err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, snapshotName)
	if err := os.WriteFile(src, payload.VaultDB, storage.FileMode); err != nil {
		return nil, fmt.Errorf("%w: write restored vault: %w", vault.ErrStorageUnavailable, err)
	}

	if err := svc.Restore(ctx, src, path, opts.Overwrite); err != nil {
		return nil, err
	}
	return &RestoreResult{Header: header, Replaced: existed}, nil
}

// newKeys fills the encryption fields of header and returns fresh keys.
func (o Options) newKeys(header *Header) (encKey, macKey []byte, err error) {
	if o.KeyFile != "" {
		key, err := ReadKeyFile(o.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		defer crypto.SecureWipe(key)
		header.EncryptionMode = EncryptionModeKey
		return splitKey(key)
	}

	p := o.KDF
	if p == (crypto.Params{}) {
		p = crypto.DefaultParams
	}
	salt, err := GenerateSalt()
	if err != nil {
		return nil, nil, err
	}
	encKey, macKey, err = DeriveBackupKeys(o.Password, salt, p)
	if err != nil {
		return nil, nil, err
	}
	header.EncryptionMode = EncryptionModePassphrase
	header.KDFParams = &KDFParams{
		Salt:        salt,
		Memory:      p.Memory,
		Iterations:  p.Time,
		Parallelism: p.Threads,
	}
	return encKey, macKey, nil
}

// keysFor derives the keys for an existing backup.
func (o Options) keysFor(header *Header) (encKey, macKey []byte, err error) {
	switch header.EncryptionMode {
	case EncryptionModeKey:
		if o.KeyFile == "" {
			return nil, nil, fmt.Errorf("backup was encrypted with a key file: %w", ErrEmptyPassword)
		}
		key, err := ReadKeyFile(o.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		defer crypto.SecureWipe(key)
		return splitKey(key)
	case EncryptionModePassphrase:
		if header.KDFParams == nil {
			return nil, nil, fmt.Errorf("backup header lacks KDF parameters")
		}
		return DeriveBackupKeys(o.Password, header.KDFParams.Salt, header.KDFParams.params())
	default:
		return nil, nil, fmt.Errorf("unknown encryption mode %q", header.EncryptionMode)
	}
}

// verifyAndDecrypt verifies the backup integrity and decrypts the payload.
func verifyAndDecrypt(data []byte, opts Options) (*Header, *Payload, error) {
	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	headerEnd := len(data) - reader.Len()

	var ciphertextLen uint32
	if err := binary.Read(reader, binary.BigEndian, &ciphertextLen); err != nil {
		return nil, nil, fmt.Errorf("%w: ciphertext length: %w", ErrTruncated, err)
	}
	if uint64(reader.Len()) < uint64(ciphertextLen)+HMACLength {
		return nil, nil, ErrTruncated
	}

	bodyEnd := headerEnd + 4 + int(ciphertextLen)
	ciphertext := data[headerEnd+4 : bodyEnd]
	storedMAC := data[bodyEnd : bodyEnd+HMACLength]

	encKey, macKey, err := opts.keysFor(header)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	if !VerifyHMAC(data[:bodyEnd], storedMAC, macKey) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := DecryptPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	payload, err := DecodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}
