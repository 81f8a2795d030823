package vault

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
)

// AuditLog reads the vault audit trail. Entries are written only by
// credential and group mutations.
type AuditLog struct {
	s *Session
}

// List returns entries matching f in chain order.
func (a *AuditLog) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var entries []audit.Entry
	err := a.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) error {
		var err error
		entries, err = a.s.trail.List(ctx, tx, f)
		return err
	})
	return entries, err
}

// Count returns the number of entries.
func (a *AuditLog) Count(ctx context.Context) (int, error) {
	var n int
	err := a.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) error {
		var err error
		n, err = a.s.trail.Count(ctx, tx)
		return err
	})
	return n, err
}

// Verify checks the chain and entry MACs under the vault key.
func (a *AuditLog) Verify(ctx context.Context) (*audit.VerifyResult, error) {
	var result *audit.VerifyResult
	err := a.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) error {
		var err error
		result, err = a.s.trail.Verify(ctx, tx)
		return err
	})
	return result, err
}

// Export renders the entries matching f as JSON or CSV.
func (a *AuditLog) Export(ctx context.Context, f audit.Filter, format string) ([]byte, error) {
	entries, err := a.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return audit.Export(entries, format)
}

// Purge deletes every entry of the vault trail. The purge itself is recorded
// in the registry log when a registry is wired.
func (a *AuditLog) Purge(ctx context.Context) (int64, error) {
	var n int64
	err := a.s.withKey(func([]byte) error {
		return a.s.svc.store.Do(ctx, a.s.path, func(ctx context.Context, tx *sqlx.Tx) error {
			var err error
			n, err = a.s.trail.Purge(ctx, tx)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	a.s.svc.record(ctx, audit.ActionAuditPurge, fmt.Sprintf("%s: %d entries", a.s.Name(), n))
	a.s.svc.logger.Info("vault audit log purged", "vault", a.s.Name(), "entries", n)
	return n, nil
}
