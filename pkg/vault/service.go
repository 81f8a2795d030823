// Package vault implements the credential vault engine: vault authentication,
// credentials and groups, all backed by one SQLite file per vault.
//
// A Service performs the operations available while a vault is locked.
// Unlock returns a Session, which holds the vault data key and exposes the
// credential, group and audit stores until it is locked again.
//
// Every write runs in one storage scope together with its audit entries, so a
// mutation and its log record commit or roll back as a unit.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/password"
	"github.com/forest6511/credvault/pkg/schema"
	"github.com/forest6511/credvault/pkg/storage"
)

// DefaultPageSize is the number of rows fetched per scope by list iterators.
const DefaultPageSize = 100

// Registrar records vault lifecycle events outside the vault file.
// *registry.Registry satisfies it.
type Registrar interface {
	VaultCreated(ctx context.Context, path string) error
	VaultDestroyed(ctx context.Context, path string) error
	Record(ctx context.Context, action, details string) error
}

// Service creates, opens and destroys vaults.
type Service struct {
	store     *storage.Manager
	registrar Registrar
	logger    *slog.Logger
	kdf       crypto.Params
	pageSize  int
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithKDFParams sets the Argon2id parameters used for new and rotated
// secrets. Existing vaults keep the parameters stored with them.
func WithKDFParams(p crypto.Params) Option {
	return func(s *Service) { s.kdf = p }
}

// WithRegistrar wires a registry that is told about created and destroyed
// vaults and receives authentication events.
func WithRegistrar(r Registrar) Option {
	return func(s *Service) { s.registrar = r }
}

// WithPageSize sets how many rows a list iterator reads per scope.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New returns a Service that opens vault files through store.
func New(store *storage.Manager, opts ...Option) *Service {
	s := &Service{
		store:    store,
		logger:   slog.New(slog.DiscardHandler),
		kdf:      crypto.DefaultParams,
		pageSize: DefaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create bootstraps a new vault at path protected by secret.
func (s *Service) Create(ctx context.Context, path, secret string) error {
	if res := password.ValidateSecret(secret); !res.Valid {
		return fmt.Errorf("%w: %w", ErrWeakSecret, res.Err())
	}
	if err := s.kdf.Validate(); err != nil {
		return err
	}
	if storage.Exists(path) {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(path), storage.DirMode); err != nil {
		return fmt.Errorf("%w: create vault directory: %w", ErrStorageUnavailable, err)
	}

	dek, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return fmt.Errorf("vault: failed to generate data key: %w", err)
	}
	defer crypto.SecureWipe(dek)

	rec, err := s.wrapKey(dek, secret)
	if err != nil {
		return err
	}

	err = s.store.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		// Another process may have created the vault after the Exists check.
		missing, err := schema.MissingTables(ctx, tx)
		if err != nil {
			return err
		}
		if len(missing) < len(schema.VaultTables) {
			return ErrAlreadyExists
		}
		return schema.InitVault(ctx, tx, rec)
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			s.discard(ctx, path)
		}
		return err
	}

	if s.registrar != nil {
		// The file is the source of truth: an index entry without a file is stale.
		if err := s.registrar.VaultCreated(ctx, path); err != nil && !errors.Is(err, ErrAlreadyExists) {
			s.discard(ctx, path)
			return fmt.Errorf("vault: failed to register vault: %w", err)
		}
	}

	s.logger.Info("vault created", "vault", filepath.Base(path))
	return nil
}

// Unlock verifies secret against the vault at path and returns an unlocked
// session. A missing vault and a wrong secret both return
// ErrInvalidCredentials.
func (s *Service) Unlock(ctx context.Context, path, secret string) (*Session, error) {
	name := filepath.Base(path)
	if !storage.Exists(path) {
		// Spend the same KDF work so timing does not reveal whether the vault exists.
		crypto.SecureWipe(crypto.DeriveKey([]byte(secret), make([]byte, crypto.SaltLength), s.kdf))
		s.record(ctx, audit.ActionVaultUnlockFailed, name)
		return nil, ErrInvalidCredentials
	}

	if remaining, err := checkCooldown(path, s.now()); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return nil, fmt.Errorf("%w: try again in %s", ErrCooldownActive, remaining.Round(time.Second))
		}
		return nil, err
	}

	rec, err := s.loadSecret(ctx, path)
	if err != nil {
		return nil, err
	}

	dek, err := unwrapKey(rec, secret)
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return nil, err
		}
		s.failedAttempt(ctx, path)
		return nil, ErrInvalidCredentials
	}

	if err := clearLockState(path); err != nil {
		s.logger.Warn("failed to clear lock state", "vault", name, "error", err)
	}
	s.record(ctx, audit.ActionVaultUnlock, name)

	sess, err := newSession(s, path, dek)
	crypto.SecureWipe(dek)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("vault unlocked", "vault", name)
	return sess, nil
}

// RotateSecret replaces the vault secret. The data key is re-wrapped under a
// key derived from next, so stored credentials stay readable.
func (s *Service) RotateSecret(ctx context.Context, path, current, next string) error {
	if !storage.Exists(path) {
		return ErrInvalidCredentials
	}
	if res := password.ValidateSecret(next); !res.Valid {
		return fmt.Errorf("%w: %w", ErrWeakSecret, res.Err())
	}
	if remaining, err := checkCooldown(path, s.now()); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return fmt.Errorf("%w: try again in %s", ErrCooldownActive, remaining.Round(time.Second))
		}
		return err
	}

	err := s.store.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		rec, err := selectSecret(ctx, tx)
		if err != nil {
			return err
		}
		dek, err := unwrapKey(rec, current)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(dek)

		fresh, err := s.wrapKey(dek, next)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE vault_secret
			SET salt = ?, kdf_time = ?, kdf_memory = ?, kdf_threads = ?, wrapped_dek = ?, rotated_at = ?
			WHERE id = 1`,
			fresh.Salt, fresh.KDFTime, fresh.KDFMemory, fresh.KDFThreads, fresh.WrappedDEK, s.now().UTC())
		if err != nil {
			return fmt.Errorf("vault: failed to store rotated secret: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.failedAttempt(ctx, path)
		}
		return err
	}

	s.record(ctx, audit.ActionSecretRotate, filepath.Base(path))
	s.logger.Info("vault secret rotated", "vault", filepath.Base(path))
	return nil
}

// Destroy removes the vault at path with its side files and registry entry.
// When the file is already gone it still drops the registry entry and
// returns ErrNotFound.
func (s *Service) Destroy(ctx context.Context, path string) error {
	if err := s.store.Remove(ctx, path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if s.registrar != nil {
			if rerr := s.registrar.VaultDestroyed(ctx, path); rerr != nil {
				s.logger.Warn("failed to drop stale registry entry", "vault", filepath.Base(path), "error", rerr)
			}
		}
		return fmt.Errorf("%w: vault %s", ErrNotFound, filepath.Base(path))
	}
	if err := clearLockState(path); err != nil {
		s.logger.Warn("failed to remove lock state", "vault", filepath.Base(path), "error", err)
	}

	if s.registrar != nil {
		if err := s.registrar.VaultDestroyed(ctx, path); err != nil {
			return fmt.Errorf("vault: vault removed but registry update failed: %w", err)
		}
	}
	s.logger.Info("vault destroyed", "vault", filepath.Base(path))
	return nil
}

// RemainingCooldown returns how long unlock attempts on path are refused.
func (s *Service) RemainingCooldown(path string) time.Duration {
	remaining, err := checkCooldown(path, s.now())
	if err != nil && !errors.Is(err, ErrCooldownActive) {
		return 0
	}
	return remaining
}

func (s *Service) loadSecret(ctx context.Context, path string) (*schema.SecretRecord, error) {
	var rec *schema.SecretRecord
	err := s.store.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := schema.CheckVault(ctx, tx); err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		var err error
		rec, err = selectSecret(ctx, tx)
		return err
	})
	return rec, err
}

func selectSecret(ctx context.Context, tx *sqlx.Tx) (*schema.SecretRecord, error) {
	var rec schema.SecretRecord
	err := tx.GetContext(ctx, &rec, `
		SELECT salt, kdf_time, kdf_memory, kdf_threads, wrapped_dek
		FROM vault_secret WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vault secret missing", ErrCorrupted)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read vault secret: %w", err)
	}
	return &rec, nil
}

// wrapKey derives a key-encryption key from secret under a fresh salt and
// seals dek with it.
func (s *Service) wrapKey(dek []byte, secret string) (*schema.SecretRecord, error) {
	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	kek := crypto.DeriveKey([]byte(secret), salt, s.kdf)
	defer crypto.SecureWipe(kek)

	wrapped, err := crypto.Seal(kek, dek)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to wrap data key: %w", err)
	}
	return &schema.SecretRecord{
		Salt:       salt,
		KDFTime:    s.kdf.Time,
		KDFMemory:  s.kdf.Memory,
		KDFThreads: s.kdf.Threads,
		WrappedDEK: wrapped,
	}, nil
}

// unwrapKey returns the data key, or ErrInvalidCredentials when secret does
// not authenticate the wrapped key.
func unwrapKey(rec *schema.SecretRecord, secret string) ([]byte, error) {
	p := rec.Params()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	kek := crypto.DeriveKey([]byte(secret), rec.Salt, p)
	defer crypto.SecureWipe(kek)

	dek, err := crypto.Open(kek, rec.WrappedDEK)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	if len(dek) != crypto.KeyLength {
		crypto.SecureWipe(dek)
		return nil, fmt.Errorf("%w: data key has wrong length", ErrCorrupted)
	}
	return dek, nil
}

func (s *Service) failedAttempt(ctx context.Context, path string) {
	name := filepath.Base(path)
	cooldown, err := recordFailedAttempt(path, s.now())
	if err != nil {
		s.logger.Warn("failed to record unlock attempt", "vault", name, "error", err)
	}
	if cooldown > 0 {
		s.logger.Warn("unlock cooldown started", "vault", name, "cooldown", cooldown)
	}
	s.record(ctx, audit.ActionVaultUnlockFailed, name)
}

// record forwards an authentication event to the registry. Registry
// failures are logged and do not fail the vault operation.
func (s *Service) record(ctx context.Context, action, details string) {
	if s.registrar == nil {
		return
	}
	if err := s.registrar.Record(ctx, action, details); err != nil {
		s.logger.Warn("failed to record registry event", "action", action, "error", err)
	}
}

// discard removes a vault file left behind by a failed Create.
func (s *Service) discard(ctx context.Context, path string) {
	if err := s.store.Remove(ctx, path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove incomplete vault", "vault", filepath.Base(path), "error", err)
	}
}
