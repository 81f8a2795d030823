package schema_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/credvault/pkg/schema"
	"github.com/forest6511/credvault/pkg/storage"
)

func testSecret() *schema.SecretRecord {
	return &schema.SecretRecord{
		Salt:       []byte("0123456789abcdef"),
		KDFTime:    1,
		KDFMemory:  8 * 1024,
		KDFThreads: 1,
		WrappedDEK: []byte("wrapped"),
	}
}

func TestInitRegistryIdempotent(t *testing.T) {
	ctx := context.Background()
	m := storage.NewManager()
	path := filepath.Join(t.TempDir(), "registry.db")

	require.NoError(t, schema.InitRegistry(ctx, m, path))
	require.NoError(t, schema.InitRegistry(ctx, m, path), "second run must be a no-op")
	require.NoError(t, schema.CheckRegistry(ctx, m, path))

	err := m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		for _, table := range []string{"admin", "vault_index", "global_auditlog"} {
			var n int
			if err := tx.GetContext(ctx, &n,
				`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table); err != nil {
				return err
			}
			assert.Equal(t, 1, n, "table %s", table)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCheckRegistryUninitialized(t *testing.T) {
	ctx := context.Background()
	m := storage.NewManager()
	path := filepath.Join(t.TempDir(), "registry.db")

	err := schema.CheckRegistry(ctx, m, path)
	assert.ErrorIs(t, err, schema.ErrRegistryNotInitialized)
}

func TestAdminSingleton(t *testing.T) {
	ctx := context.Background()
	m := storage.NewManager()
	path := filepath.Join(t.TempDir(), "registry.db")
	require.NoError(t, schema.InitRegistry(ctx, m, path))

	err := m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO admin (admin_id, admin_pw) VALUES (2, 'x')`)
		return err
	})
	assert.True(t, storage.IsCheckViolation(err), "admin_id other than 1 must be rejected, got %v", err)
}

func TestInitVault(t *testing.T) {
	ctx := context.Background()
	m := storage.NewManager()
	path := filepath.Join(t.TempDir(), "alice.db")

	bootstrap := func(rec *schema.SecretRecord) error {
		return m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
			return schema.InitVault(ctx, tx, rec)
		})
	}
	require.NoError(t, bootstrap(testSecret()))

	other := testSecret()
	other.WrappedDEK = []byte("another")
	require.NoError(t, bootstrap(other), "re-running must not fail")

	err := m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		require.NoError(t, schema.CheckVault(ctx, tx))

		var rows []schema.SecretRecord
		if err := tx.SelectContext(ctx, &rows,
			`SELECT salt, kdf_time, kdf_memory, kdf_threads, wrapped_dek FROM vault_secret`); err != nil {
			return err
		}
		require.Len(t, rows, 1, "secret row must not be duplicated")
		assert.Equal(t, []byte("wrapped"), rows[0].WrappedDEK, "secret row must not be re-seeded")
		assert.Equal(t, uint32(8*1024), rows[0].Params().Memory)

		version, err := schema.StoredVaultVersion(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, schema.VaultVersion, version)
		return nil
	})
	require.NoError(t, err)
}

func TestInitVaultRollsBackAsOne(t *testing.T) {
	ctx := context.Background()
	m := storage.NewManager()
	path := filepath.Join(t.TempDir(), "alice.db")

	errLater := errors.New("registry registration failed")
	err := m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := schema.InitVault(ctx, tx, testSecret()); err != nil {
			return err
		}
		return errLater
	})
	require.ErrorIs(t, err, errLater)

	err = m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		missing, err := schema.MissingTables(ctx, tx)
		require.NoError(t, err)
		assert.ElementsMatch(t, schema.VaultTables, missing, "no table may survive a failed bootstrap")
		return nil
	})
	require.NoError(t, err)
}

func TestTagsDelimiterRejected(t *testing.T) {
	ctx := context.Background()
	m := storage.NewManager()
	path := filepath.Join(t.TempDir(), "alice.db")
	require.NoError(t, m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		return schema.InitVault(ctx, tx, testSecret())
	}))

	err := m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO credentials (title, username, password, tags) VALUES ('a', 'u', x'00', 'x,y')`)
		return err
	})
	assert.True(t, storage.IsCheckViolation(err), "got %v", err)
}

func TestCheckVaultRejectsNewerVersion(t *testing.T) {
	ctx := context.Background()
	m := storage.NewManager()
	path := filepath.Join(t.TempDir(), "alice.db")

	err := m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := schema.InitVault(ctx, tx, testSecret()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schema.VaultVersion+1)
		return err
	})
	require.NoError(t, err)

	err = m.Do(ctx, path, func(ctx context.Context, tx *sqlx.Tx) error {
		return schema.CheckVault(ctx, tx)
	})
	assert.ErrorIs(t, err, schema.ErrUnsupportedVersion)
}
