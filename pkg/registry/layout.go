package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/forest6511/credvault/pkg/storage"
)

// File and directory names under the data directory.
const (
	RegistryFileName = "registry.db"
	UsersDirName     = "users"
	VaultExt         = ".db"
)

// ErrInvalidUsername is returned for usernames that cannot name a vault file.
var ErrInvalidUsername = errors.New("registry: invalid username")

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Layout maps an installation's data directory to file paths.
type Layout struct {
	DataDir string
}

// RegistryPath returns the registry database path.
func (l Layout) RegistryPath() string {
	return filepath.Join(l.DataDir, RegistryFileName)
}

// UsersDir returns the directory holding one vault file per user.
func (l Layout) UsersDir() string {
	return filepath.Join(l.DataDir, UsersDirName)
}

// VaultPath returns the vault file for username. Usernames are
// case-insensitive.
func (l Layout) VaultPath(username string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return filepath.Join(l.UsersDir(), name+VaultExt), nil
}

// Username returns the user a vault path belongs to.
func (l Layout) Username(vaultPath string) string {
	return strings.TrimSuffix(filepath.Base(vaultPath), VaultExt)
}

// EnsureDirs creates the data and users directories with owner-only
// permissions.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.DataDir, l.UsersDir()} {
		if err := os.MkdirAll(dir, storage.DirMode); err != nil {
			return fmt.Errorf("registry: failed to create %s: %w", dir, err)
		}
		if err := os.Chmod(dir, storage.DirMode); err != nil {
			return fmt.Errorf("registry: failed to set permissions on %s: %w", dir, err)
		}
	}
	return nil
}
