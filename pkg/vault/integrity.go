package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/schema"
)

// IntegrityCheckResult contains the results of a vault integrity check.
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	FileExists       bool     `json:"file_exists"`
	DBIntegrity      bool     `json:"db_integrity"`
	SchemaValid      bool     `json:"schema_valid"`
	SecretPresent    bool     `json:"secret_present"`
	PermissionsValid bool     `json:"permissions_valid"`
	SchemaVersion    int      `json:"schema_version,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *IntegrityCheckResult) fail(format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// CheckIntegrity inspects the vault file at path without unlocking it:
// file permissions, SQLite integrity, required tables and the secret row.
// Problems are reported in the result; the error is reserved for failures to
// run the check at all.
func (s *Service) CheckIntegrity(ctx context.Context, path string) (*IntegrityCheckResult, error) {
	result := &IntegrityCheckResult{Valid: true, PermissionsValid: true}

	info, err := os.Stat(path)
	if err != nil {
		result.fail("vault file not found: %s", filepath.Base(path))
		return result, nil
	}
	result.FileExists = true

	// Windows does not carry Unix permission bits.
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			result.PermissionsValid = false
			result.fail("vault file has insecure permissions: %04o (expected 0600)", perm)
		}
		if dirInfo, err := os.Stat(filepath.Dir(path)); err == nil {
			if perm := dirInfo.Mode().Perm(); perm&0077 != 0 {
				result.PermissionsValid = false
				result.fail("vault directory has insecure permissions: %04o (expected 0700)", perm)
			}
		}
	}

	err = s.store.WithDB(ctx, path, func(db *sqlx.DB) error {
		var check string
		if err := db.GetContext(ctx, &check, `PRAGMA integrity_check`); err != nil {
			result.fail("database integrity check failed: %v", err)
			return nil
		}
		if check != "ok" {
			result.fail("database integrity check returned: %s", check)
			return nil
		}
		result.DBIntegrity = true

		missing, err := schema.MissingTables(ctx, db)
		if err != nil {
			return err
		}
		for _, table := range missing {
			result.fail("required table not found: %s", table)
		}
		if len(missing) > 0 {
			return nil
		}

		if err := schema.CheckVault(ctx, db); err != nil {
			result.fail("%v", err)
			return nil
		}
		result.SchemaValid = true
		if result.SchemaVersion, err = schema.StoredVaultVersion(ctx, db); err != nil {
			return err
		}

		var secrets int
		if err := db.GetContext(ctx, &secrets, `SELECT COUNT(*) FROM vault_secret`); err != nil {
			return fmt.Errorf("vault: failed to count vault secret: %w", err)
		}
		if secrets != 1 {
			result.fail("vault secret row missing")
			return nil
		}
		result.SecretPresent = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
