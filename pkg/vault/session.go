package vault

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
)

// State is the authentication state of a vault session.
type State int

const (
	Locked State = iota
	Unlocked
)

// String returns the state name.
func (st State) String() string {
	if st == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// Session is an unlocked vault. It holds a copy of the vault data key until
// Lock is called. A Session is safe for concurrent use; storage access is
// serialised per vault file by the storage manager.
type Session struct {
	svc   *Service
	path  string
	trail *audit.Trail

	mu  sync.RWMutex
	dek []byte
}

// change is one audit entry produced by a mutation.
type change struct {
	action  string
	details string
}

// mutation runs inside a write scope and reports the rows it changed.
type mutation func(ctx context.Context, tx *sqlx.Tx, dek []byte) ([]change, error)

func newSession(svc *Service, path string, dek []byte) (*Session, error) {
	trail, err := audit.NewTrail(audit.VaultTable, dek)
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(dek))
	copy(key, dek)
	return &Session{svc: svc, path: path, trail: trail, dek: key}, nil
}

// Path returns the vault file path.
func (s *Session) Path() string { return s.path }

// Name returns the vault file name.
func (s *Session) Name() string { return filepath.Base(s.path) }

// State reports whether the session still holds the vault key.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dek == nil {
		return Locked
	}
	return Unlocked
}

// Lock wipes the vault key. Later calls on the session return ErrLocked.
func (s *Session) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dek != nil {
		crypto.SecureWipe(s.dek)
		s.dek = nil
	}
}

// Credentials returns the credential store of the vault.
func (s *Session) Credentials() *CredentialStore {
	return &CredentialStore{s: s}
}

// Groups returns the group store of the vault.
func (s *Session) Groups() *GroupStore {
	return &GroupStore{s: s}
}

// Audit returns the vault audit log.
func (s *Session) Audit() *AuditLog {
	return &AuditLog{s: s}
}

// withKey runs fn while holding the key. Lock waits for fn to return.
func (s *Session) withKey(fn func(dek []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dek == nil {
		return ErrLocked
	}
	return fn(s.dek)
}

// read runs fn in a scope. The scope is rolled back on error and committed
// otherwise; fn must not write.
func (s *Session) read(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx, dek []byte) error) error {
	return s.withKey(func(dek []byte) error {
		return s.svc.store.Do(ctx, s.path, func(ctx context.Context, tx *sqlx.Tx) error {
			return fn(ctx, tx, dek)
		})
	})
}

// write runs fn and appends one audit entry per reported change in the same
// transaction. If fn or any append fails, nothing is written.
func (s *Session) write(ctx context.Context, fn mutation) error {
	return s.withKey(func(dek []byte) error {
		return s.svc.store.Do(ctx, s.path, func(ctx context.Context, tx *sqlx.Tx) error {
			changes, err := fn(ctx, tx, dek)
			if err != nil {
				return err
			}
			for _, c := range changes {
				if _, err := s.trail.Append(ctx, tx, c.action, c.details); err != nil {
					return fmt.Errorf("vault: %w", err)
				}
			}
			return nil
		})
	})
}
