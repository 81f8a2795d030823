package vault

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/storage"
)

// Snapshot writes a consistent copy of the vault file to dst, which must not
// exist yet. The copy is taken under the vault's storage lock.
func (s *Session) Snapshot(ctx context.Context, dst string) error {
	return s.withKey(func([]byte) error {
		return s.svc.store.WithDB(ctx, s.path, func(db *sqlx.DB) error {
			if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
				return fmt.Errorf("%w: snapshot %s: %w", ErrStorageUnavailable, s.Name(), err)
			}
			return nil
		})
	})
}

// Restore installs the vault file at src as the vault at path. src is
// integrity-checked first, then moved into place, so it must live on the
// same filesystem as path. An existing vault is replaced only when overwrite
// is set. Any unlock cooldown recorded for path is cleared.
func (s *Service) Restore(ctx context.Context, src, path string, overwrite bool) error {
	check, err := s.CheckIntegrity(ctx, src)
	if err != nil {
		return err
	}
	if !check.Valid {
		return fmt.Errorf("%w: %s", ErrCorrupted, strings.Join(check.Errors, "; "))
	}

	existed := storage.Exists(path)
	if existed && !overwrite {
		return ErrAlreadyExists
	}
	if err := s.store.Replace(ctx, path, src); err != nil {
		return err
	}
	if err := clearLockState(path); err != nil {
		s.logger.Warn("failed to remove lock state", "vault", filepath.Base(path), "error", err)
	}

	if s.registrar != nil && !existed {
		if err := s.registrar.VaultCreated(ctx, path); err != nil && !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("vault: vault restored but registry update failed: %w", err)
		}
	}
	s.record(ctx, audit.ActionVaultRestore, filepath.Base(path))
	s.logger.Info("vault restored", "vault", filepath.Base(path), "replaced", existed)
	return nil
}
