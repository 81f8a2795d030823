// Package storage implements the connection scope every vault and registry
// operation runs inside.
//
// A scope serialises access to one database file (in-process semaphore plus
// an advisory file lock for other processes), opens a fresh handle, runs the
// caller inside a single transaction and always releases the handle and both
// locks before returning. There is no long-lived connection.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
)

// File permissions for storage files and their directories.
const (
	FileMode = 0600
	DirMode  = 0700
)

// DefaultLockTimeout bounds how long a scope waits for another holder.
const DefaultLockTimeout = 5 * time.Second

var (
	// ErrUnavailable is returned when a storage file cannot be locked, opened
	// or written. Nothing has been written when it is returned.
	ErrUnavailable = errors.New("storage: storage unavailable")

	// ErrInsufficientSpace is joined with ErrUnavailable when the configured
	// free-space floor is not met.
	ErrInsufficientSpace = errors.New("storage: insufficient disk space")
)

// TxFunc is the body of a scope.
type TxFunc func(ctx context.Context, tx *sqlx.Tx) error

// Opener opens a database handle for a storage file.
type Opener func(path string) (*sqlx.DB, error)

// Manager hands out scopes. The zero value is not usable; use NewManager.
type Manager struct {
	open        Opener
	logger      *slog.Logger
	lockTimeout time.Duration
	minFree     uint64

	mu    sync.Mutex
	paths map[string]chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces the SQLite opener, mainly for tests.
func WithOpener(open Opener) Option {
	return func(m *Manager) { m.open = open }
}

// WithLogger sets the logger used for scope diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithLockTimeout sets how long a scope waits for the path lock.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

// WithMinFreeSpace refuses to open scopes when the filesystem holding the
// storage file has fewer than n bytes available. Zero disables the check.
func WithMinFreeSpace(n uint64) Option {
	return func(m *Manager) { m.minFree = n }
}

// NewManager returns a Manager backed by SQLite files.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		open:        OpenSQLite,
		logger:      slog.New(slog.DiscardHandler),
		lockTimeout: DefaultLockTimeout,
		paths:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Do runs fn inside a transaction on the file at path. The transaction is
// committed when fn returns nil and rolled back otherwise (including on
// panic, which is re-raised). A missing file is created.
func (m *Manager) Do(ctx context.Context, path string, fn TxFunc) error {
	return m.WithDB(ctx, path, func(db *sqlx.DB) (err error) {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin transaction: %w", ErrUnavailable, err)
		}

		committed := false
		defer func() {
			if committed {
				return
			}
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				m.logger.Warn("scope rollback failed", "path", path, "error", rbErr)
			}
		}()

		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit: %w", ErrUnavailable, err)
		}
		committed = true
		return nil
	})
}

// WithDB runs fn with an open handle and no transaction, under the same
// locking and release guarantees as Do.
func (m *Manager) WithDB(ctx context.Context, path string, fn func(db *sqlx.DB) error) error {
	release, err := m.acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	if err := m.checkSpace(path); err != nil {
		return err
	}

	db, err := m.open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrUnavailable, filepath.Base(path), err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			m.logger.Warn("failed to close storage handle", "path", path, "error", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping %s: %w", ErrUnavailable, filepath.Base(path), err)
	}

	m.logger.Debug("scope opened", "path", path)
	return fn(db)
}

// Remove deletes the storage file at path together with its journal files.
// It returns an error wrapping fs.ErrNotExist when no file exists.
//
// The lock file stays: unlinking it would let a waiter holding the old inode
// and a newcomer locking a fresh file both enter a scope.
func (m *Manager) Remove(ctx context.Context, path string) error {
	release, err := m.acquire(ctx, path)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		if rmErr := os.Remove(path + suffix); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			m.logger.Warn("failed to remove side file", "path", path+suffix, "error", rmErr)
		}
	}
	release()

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: remove %s: %w", filepath.Base(path), fs.ErrNotExist)
		}
		return fmt.Errorf("%w: remove %s: %w", ErrUnavailable, filepath.Base(path), err)
	}
	return nil
}

// Replace moves the file at src over path under the lock of path, dropping
// any journal left by the previous file. src must be on the same filesystem
// and not be in use.
func (m *Manager) Replace(ctx context.Context, path, src string) error {
	release, err := m.acquire(ctx, path)
	if err != nil {
		return err
	}
	defer release()

	if err := os.Chmod(src, FileMode); err != nil {
		return fmt.Errorf("%w: replace %s: %w", ErrUnavailable, filepath.Base(path), err)
	}
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		if rmErr := os.Remove(path + suffix); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return fmt.Errorf("%w: replace %s: %w", ErrUnavailable, filepath.Base(path), rmErr)
		}
	}
	if err := os.Rename(src, path); err != nil {
		return fmt.Errorf("%w: replace %s: %w", ErrUnavailable, filepath.Base(path), err)
	}
	_ = os.Remove(lockPath(src))
	m.logger.Debug("storage file replaced", "path", path)
	return nil
}

// Exists reports whether a storage file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func lockPath(path string) string {
	return path + ".lock"
}

// acquire takes the in-process semaphore for path, then the advisory file
// lock. The returned func releases both.
func (m *Manager) acquire(ctx context.Context, path string) (func(), error) {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}

	m.mu.Lock()
	sem, ok := m.paths[key]
	if !ok {
		sem = make(chan struct{}, 1)
		m.paths[key] = sem
	}
	m.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	select {
	case sem <- struct{}{}:
	case <-lockCtx.Done():
		return nil, fmt.Errorf("%w: %s is busy: %w", ErrUnavailable, filepath.Base(path), lockCtx.Err())
	}

	fl := flock.New(lockPath(path))
	locked, err := fl.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil || !locked {
		<-sem
		if err == nil {
			err = lockCtx.Err()
		}
		return nil, fmt.Errorf("%w: lock %s: %w", ErrUnavailable, filepath.Base(path), err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			m.logger.Warn("failed to release file lock", "path", path, "error", err)
		}
		<-sem
	}, nil
}

func (m *Manager) checkSpace(path string) error {
	if m.minFree == 0 {
		return nil
	}
	info, err := CheckDiskSpace(filepath.Dir(path))
	if err != nil {
		// Not being able to stat the filesystem should not block access.
		m.logger.Warn("failed to check disk space", "path", path, "error", err)
		return nil
	}
	if info.Available < m.minFree {
		return fmt.Errorf("%w: %w: %d bytes available, need %d",
			ErrUnavailable, ErrInsufficientSpace, info.Available, m.minFree)
	}
	return nil
}
