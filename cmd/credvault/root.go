package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/credvault/internal/config"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/password"
	"github.com/forest6511/credvault/pkg/registry"
	"github.com/forest6511/credvault/pkg/storage"
	"github.com/forest6511/credvault/pkg/vault"
)

// EnvUser selects the vault owner when --user is not given.
const EnvUser = "CREDVAULT_USER"

// annotationNoStore marks commands that never touch the data directory.
const annotationNoStore = "credvault/no-store"

// Global flags.
var (
	configPath string
	userFlag   string
	noColor    bool
)

// Shared state, set up by rootCmd.PersistentPreRunE.
var (
	cfg    *config.Config
	logger *slog.Logger
	layout registry.Layout
	store  *storage.Manager
	reg    *registry.Registry
	svc    *vault.Service
	stdin  *bufio.Reader
)

var rootCmd = &cobra.Command{
	Use:   "credvault",
	Short: "credvault is a local multi-user credential vault",
	Long: `credvault keeps each user's credentials in an encrypted vault file,
with a registry that indexes vaults and keeps a global audit log.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		if noColor {
			color.NoColor = true
		}
		logger = cfg.Logger(cmd.ErrOrStderr())
		stdin = bufio.NewReader(cmd.InOrStdin())

		if cmd.Annotations[annotationNoStore] == "true" {
			return nil
		}
		return openStore(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML or TOML; default: <data dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "Vault owner (default: $CREDVAULT_USER or the OS user)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// openStore prepares the data directory and wires the registry and the
// vault service to one storage manager.
func openStore(cmd *cobra.Command) error {
	layout = registry.Layout{DataDir: cfg.DataDir}
	if err := layout.EnsureDirs(); err != nil {
		return err
	}

	store = storage.NewManager(cfg.StorageOptions(logger)...)

	r, err := registry.Open(cmd.Context(), store, layout.RegistryPath(),
		registry.WithLogger(logger),
		registry.WithKDFParams(cfg.KDFParams()))
	if err != nil {
		return err
	}
	reg = r

	svc = vault.New(store,
		vault.WithLogger(logger),
		vault.WithKDFParams(cfg.KDFParams()),
		vault.WithRegistrar(reg),
		vault.WithPageSize(cfg.PageSize))
	return nil
}

// currentUser resolves the vault owner.
func currentUser() (string, error) {
	if userFlag != "" {
		return userFlag, nil
	}
	if name := os.Getenv(EnvUser); name != "" {
		return name, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to determine current user (use --user): %w", err)
	}
	name := u.Username
	// DOMAIN\user on Windows.
	if i := strings.LastIndex(name, `\`); i != -1 {
		name = name[i+1:]
	}
	return name, nil
}

// vaultPath returns the owner and vault file of the selected user.
func vaultPath() (string, string, error) {
	name, err := currentUser()
	if err != nil {
		return "", "", err
	}
	path, err := layout.VaultPath(name)
	if err != nil {
		return "", "", err
	}
	return strings.ToLower(name), path, nil
}

// unlock prompts for the selected user's vault secret and opens a session.
// Callers must Lock the session.
func unlock(cmd *cobra.Command) (*vault.Session, error) {
	name, path, err := vaultPath()
	if err != nil {
		return nil, err
	}
	secret, err := readSecret(cmd, fmt.Sprintf("Enter vault secret for %s: ", name))
	if err != nil {
		return nil, err
	}
	return svc.Unlock(cmd.Context(), path, secret)
}

// verifyAdmin prompts for and checks the admin secret, returning it.
func verifyAdmin(cmd *cobra.Command) (string, error) {
	secret, err := readSecret(cmd, "Enter admin secret: ")
	if err != nil {
		return "", err
	}
	if err := reg.VerifyAdmin(cmd.Context(), secret); err != nil {
		return "", err
	}
	return secret, nil
}

// readSecret prompts on stderr and reads a secret without echo when stdin
// is a terminal, or one line of piped input otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		defer crypto.SecureWipe(b)
		return string(b), nil
	}
	return readLine()
}

// readNewSecret reads a new vault or admin secret twice and checks its
// strength. Advisory warnings are printed; hard failures are returned.
func readNewSecret(cmd *cobra.Command, what string) (string, error) {
	first, err := readSecret(cmd, fmt.Sprintf("Enter new %s: ", what))
	if err != nil {
		return "", err
	}
	second, err := readSecret(cmd, fmt.Sprintf("Confirm new %s: ", what))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("%ss do not match", what)
	}

	result := password.ValidateSecret(first)
	if err := result.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", vault.ErrWeakSecret, err)
	}
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Secret strength: %s\n", result.Strength)
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	return first, nil
}

// readLine reads a single line from stdin, trimming the trailing newline.
func readLine() (string, error) {
	line, err := stdin.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	value := strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(value, "\r"), nil
}

// confirm asks a yes/no question; only "y" or "yes" confirms.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", question)
	answer, err := readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDuration parses a duration string with extended units:
// h (hours), d (days), w (weeks), m (months, 30 days), y (years, 365 days).
// Anything else goes to time.ParseDuration.
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	switch unit {
	case 'h', 'd', 'w', 'm', 'y':
		n, err := strconv.Atoi(valueStr)
		if err != nil {
			// 1h30m and friends
			return time.ParseDuration(s)
		}
		value = n
		if value < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
	}

	switch unit {
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}

// parseExpiry accepts a date (2006-01-02), an RFC 3339 timestamp, a
// duration from now (30d, 1y) or "never", which yields nil.
func parseExpiry(s string, now time.Time) (*time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "never", "none":
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("invalid expiration %q: use a date (2006-01-02), a duration (30d) or never", s)
	}
	t := now.Add(d)
	return &t, nil
}
