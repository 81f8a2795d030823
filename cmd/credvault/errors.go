package main

import (
	"errors"

	"github.com/forest6511/credvault/pkg/backup"
	"github.com/forest6511/credvault/pkg/importer"
	"github.com/forest6511/credvault/pkg/registry"
	"github.com/forest6511/credvault/pkg/vault"
)

// describeError turns engine errors into messages for the terminal. Error
// values never carry secret material, so the wrapped detail is kept where
// it helps.
func describeError(err error) string {
	switch {
	case errors.Is(err, vault.ErrInvalidCredentials):
		return "invalid user or secret"
	case errors.Is(err, vault.ErrCooldownActive):
		return err.Error()
	case errors.Is(err, vault.ErrStorageUnavailable):
		return "vault storage is unavailable (another credvault process may hold it): " + err.Error()
	case errors.Is(err, vault.ErrDuplicateGroup):
		return "a group with that title already exists"
	case errors.Is(err, vault.ErrDuplicateTitle):
		return "a credential with that title already exists"
	case errors.Is(err, vault.ErrAlreadyExists):
		return "a vault already exists for this user"
	case errors.Is(err, vault.ErrCorrupted):
		return "the vault file is damaged; run 'credvault vault check' for details"
	case errors.Is(err, vault.ErrInvalidGroup):
		return "the group does not exist"
	case errors.Is(err, registry.ErrNoAdmin):
		return "no admin configured; run 'credvault setup' first"
	case errors.Is(err, registry.ErrAdminExists):
		return "an admin is already configured"
	case errors.Is(err, backup.ErrIntegrityFailed):
		return "wrong backup passphrase or key file, or the backup file was modified"
	case errors.Is(err, importer.ErrConflict):
		return err.Error() + " (use --on-conflict skip or overwrite)"
	default:
		return err.Error()
	}
}
