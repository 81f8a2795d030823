// Package registry manages the installation-wide database: the admin
// record, the index of provisioned vaults and the global audit log.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/password"
	"github.com/forest6511/credvault/pkg/schema"
	"github.com/forest6511/credvault/pkg/storage"
	"github.com/forest6511/credvault/pkg/vault"
)

var (
	ErrAdminExists = errors.New("registry: admin already configured")
	ErrNoAdmin     = errors.New("registry: admin not configured")
)

// VaultEntry is one row of the vault index.
type VaultEntry struct {
	Path      string    `db:"vault_path" json:"path"`
	CreatedOn time.Time `db:"created_on" json:"created_on"`
}

// Registry is the installation registry. It satisfies vault.Registrar.
type Registry struct {
	store  *storage.Manager
	path   string
	trail  *audit.Trail
	kdf    crypto.Params
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithKDFParams sets the Argon2id parameters for hashing the admin secret.
func WithKDFParams(p crypto.Params) Option {
	return func(r *Registry) { r.kdf = p }
}

var _ vault.Registrar = (*Registry)(nil)

// Open migrates the registry at path to the latest schema and returns it.
func Open(ctx context.Context, store *storage.Manager, path string, opts ...Option) (*Registry, error) {
	trail, err := audit.NewTrail(audit.RegistryTable, nil)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		store:  store,
		path:   path,
		trail:  trail,
		kdf:    crypto.DefaultParams,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := schema.InitRegistry(ctx, store, path); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry database path.
func (r *Registry) Path() string { return r.path }

// SetupAdmin stores the admin secret hash. It succeeds once per registry.
func (r *Registry) SetupAdmin(ctx context.Context, secret string) error {
	if res := password.ValidateSecret(secret); !res.Valid {
		return fmt.Errorf("%w: %w", vault.ErrWeakSecret, res.Err())
	}
	encoded, err := crypto.HashSecret([]byte(secret), r.kdf)
	if err != nil {
		return err
	}

	err = r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO admin (admin_id, admin_pw, created_at) VALUES (1, ?, ?)`, encoded, r.now().UTC())
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return ErrAdminExists
			}
			return fmt.Errorf("registry: failed to store admin: %w", err)
		}
		_, err = r.trail.Append(ctx, tx, audit.ActionAdminSetup, "admin configured")
		return err
	})
	if err != nil {
		return err
	}
	r.logger.Info("admin configured")
	return nil
}

// HasAdmin reports whether SetupAdmin has run.
func (r *Registry) HasAdmin(ctx context.Context) (bool, error) {
	var n int
	err := r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM admin`)
	})
	if err != nil {
		return false, fmt.Errorf("registry: failed to check admin: %w", err)
	}
	return n > 0, nil
}

// VerifyAdmin returns vault.ErrInvalidCredentials unless secret matches the
// stored admin hash.
func (r *Registry) VerifyAdmin(ctx context.Context, secret string) error {
	var encoded string
	err := r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &encoded, `SELECT admin_pw FROM admin WHERE admin_id = 1`)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoAdmin
		}
		return err
	})
	if err != nil {
		return err
	}

	ok, err := crypto.VerifySecret([]byte(secret), encoded)
	if err != nil {
		return fmt.Errorf("registry: stored admin hash unreadable: %w", err)
	}
	if !ok {
		return vault.ErrInvalidCredentials
	}
	return nil
}

// VaultCreated adds path to the vault index. An entry left behind by a vault
// file that no longer exists is refreshed in place.
func (r *Registry) VaultCreated(ctx context.Context, path string) error {
	key := indexKey(path)
	return r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		var stale bool
		err := tx.GetContext(ctx, &stale,
			`SELECT EXISTS (SELECT 1 FROM vault_index WHERE vault_path = ?)`, key)
		if err != nil {
			return fmt.Errorf("registry: failed to read vault index: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vault_index (vault_path, created_on) VALUES (?, ?)
			ON CONFLICT (vault_path) DO UPDATE SET created_on = excluded.created_on`,
			key, r.now().UTC())
		if err != nil {
			return fmt.Errorf("registry: failed to index vault: %w", err)
		}
		if stale {
			r.logger.Warn("refreshed stale vault index entry", "vault", filepath.Base(path))
		}
		_, err = r.trail.Append(ctx, tx, audit.ActionVaultCreate, filepath.Base(path))
		return err
	})
}

// VaultDestroyed removes path from the vault index. Nothing is audited when
// path was not indexed.
func (r *Registry) VaultDestroyed(ctx context.Context, path string) error {
	key := indexKey(path)
	return r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM vault_index WHERE vault_path = ?`, key)
		if err != nil {
			return fmt.Errorf("registry: failed to unindex vault: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			r.logger.Warn("destroyed vault was not indexed", "vault", filepath.Base(path))
			return nil
		}
		_, err = r.trail.Append(ctx, tx, audit.ActionVaultDestroy, filepath.Base(path))
		return err
	})
}

// Vaults returns the vault index ordered by path.
func (r *Registry) Vaults(ctx context.Context) ([]VaultEntry, error) {
	var entries []VaultEntry
	err := r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &entries,
			`SELECT vault_path, created_on FROM vault_index ORDER BY vault_path`)
	})
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list vaults: %w", err)
	}
	return entries, nil
}

// Record appends an event to the global audit log.
func (r *Registry) Record(ctx context.Context, action, details string) error {
	return r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := r.trail.Append(ctx, tx, action, details)
		return err
	})
}

// Log returns global audit entries matching f in chain order.
func (r *Registry) Log(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var entries []audit.Entry
	err := r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		entries, err = r.trail.List(ctx, tx, f)
		return err
	})
	return entries, err
}

// VerifyLog checks the global audit chain.
func (r *Registry) VerifyLog(ctx context.Context) (*audit.VerifyResult, error) {
	var result *audit.VerifyResult
	err := r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		result, err = r.trail.Verify(ctx, tx)
		return err
	})
	return result, err
}

// PurgeLog deletes the global audit log after verifying the admin secret.
// The purge is recorded as the first entry of the new chain.
func (r *Registry) PurgeLog(ctx context.Context, adminSecret string) (int64, error) {
	if err := r.VerifyAdmin(ctx, adminSecret); err != nil {
		return 0, err
	}

	var n int64
	err := r.store.Do(ctx, r.path, func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		if n, err = r.trail.Purge(ctx, tx); err != nil {
			return err
		}
		_, err = r.trail.Append(ctx, tx, audit.ActionAuditPurge, fmt.Sprintf("global: %d entries", n))
		return err
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info("global audit log purged", "entries", n)
	return n, nil
}

func indexKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
