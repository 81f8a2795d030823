package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/crypto"
)

// VaultVersion is the vault schema version written by this binary.
const VaultVersion = 1

// ErrUnsupportedVersion is returned for vaults written by a newer binary.
var ErrUnsupportedVersion = errors.New("schema: vault schema version not supported")

// VaultTables lists the tables every vault must contain.
var VaultTables = []string{"groups", "credentials", "auditlog", "vault_secret", "schema_version"}

// SecretRecord is the single vault_secret row: the vault data key wrapped by
// a key derived from the vault secret. The secret itself is never stored.
type SecretRecord struct {
	Salt       []byte `db:"salt"`
	KDFTime    uint32 `db:"kdf_time"`
	KDFMemory  uint32 `db:"kdf_memory"`
	KDFThreads uint8  `db:"kdf_threads"`
	WrappedDEK []byte `db:"wrapped_dek"` // nonce || AES-GCM(KEK, DEK)
}

// Params returns the Argon2id parameters the record was derived with.
func (r *SecretRecord) Params() crypto.Params {
	return crypto.Params{Time: r.KDFTime, Memory: r.KDFMemory, Threads: r.KDFThreads}
}

var vaultDDL = []string{
	`CREATE TABLE IF NOT EXISTS groups (
		group_id INTEGER PRIMARY KEY AUTOINCREMENT,
		title    TEXT NOT NULL UNIQUE,
		created  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		modified TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		accessed TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		cred_id    INTEGER PRIMARY KEY AUTOINCREMENT,
		title      TEXT NOT NULL UNIQUE,
		username   TEXT NOT NULL,
		password   BLOB NOT NULL,
		url        TEXT NOT NULL DEFAULT 'None',
		notes      TEXT NOT NULL DEFAULT 'None',
		tags       TEXT NOT NULL DEFAULT 'None' CHECK (instr(tags, ',') = 0),
		expiration TIMESTAMP,
		group_id   INTEGER REFERENCES groups(group_id),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_group ON credentials(group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_credentials_expiration ON credentials(expiration)`,
	`CREATE TABLE IF NOT EXISTS auditlog (
		log_id      INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id    TEXT NOT NULL,
		action_type TEXT NOT NULL,
		action_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		details     TEXT NOT NULL DEFAULT '',
		seq         INTEGER NOT NULL UNIQUE,
		prev_hash   TEXT NOT NULL,
		hmac        TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_auditlog_time ON auditlog(action_time)`,
	`CREATE TABLE IF NOT EXISTS vault_secret (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		salt        BLOB NOT NULL,
		kdf_time    INTEGER NOT NULL,
		kdf_memory  INTEGER NOT NULL,
		kdf_threads INTEGER NOT NULL,
		wrapped_dek BLOB NOT NULL,
		created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		rotated_at  TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
}

// InitVault creates the vault tables if absent and seeds the vault_secret
// row once. It runs inside the caller's transaction so vault creation is
// observed either completely or not at all. Calling it on an initialised
// vault changes nothing.
func InitVault(ctx context.Context, tx *sqlx.Tx, secret *SecretRecord) error {
	for _, stmt := range vaultDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: failed to create vault schema: %w", err)
		}
	}

	var existing int
	if err := tx.GetContext(ctx, &existing, `SELECT COUNT(*) FROM vault_secret`); err != nil {
		return fmt.Errorf("schema: failed to check vault secret: %w", err)
	}
	if existing == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vault_secret (id, salt, kdf_time, kdf_memory, kdf_threads, wrapped_dek)
			VALUES (1, ?, ?, ?, ?, ?)`,
			secret.Salt, secret.KDFTime, secret.KDFMemory, secret.KDFThreads, secret.WrappedDEK)
		if err != nil {
			return fmt.Errorf("schema: failed to store vault secret: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, VaultVersion); err != nil {
		return fmt.Errorf("schema: failed to set schema version: %w", err)
	}
	return nil
}

// CheckVault verifies that all vault tables exist and the schema version is
// one this binary understands.
func CheckVault(ctx context.Context, q sqlx.QueryerContext) error {
	missing, err := MissingTables(ctx, q)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema: vault is missing tables %v", missing)
	}

	version, err := StoredVaultVersion(ctx, q)
	if err != nil {
		return err
	}
	if version > VaultVersion {
		return fmt.Errorf("%w: %d (this binary supports up to %d)", ErrUnsupportedVersion, version, VaultVersion)
	}
	return nil
}

// MissingTables returns the names from VaultTables not present in the file.
func MissingTables(ctx context.Context, q sqlx.QueryerContext) ([]string, error) {
	var present []string
	if err := sqlx.SelectContext(ctx, q, &present,
		`SELECT name FROM sqlite_master WHERE type = 'table'`); err != nil {
		return nil, fmt.Errorf("schema: failed to list tables: %w", err)
	}
	have := make(map[string]bool, len(present))
	for _, name := range present {
		have[name] = true
	}

	var missing []string
	for _, name := range VaultTables {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// StoredVaultVersion returns the highest schema version recorded in the vault.
func StoredVaultVersion(ctx context.Context, q sqlx.QueryerContext) (int, error) {
	var version int
	err := sqlx.GetContext(ctx, q, &version, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("schema: vault has no schema version")
	}
	if err != nil {
		return 0, fmt.Errorf("schema: failed to get schema version: %w", err)
	}
	return version, nil
}
