package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/backup"
	"github.com/forest6511/credvault/pkg/storage"
)

// Backup command flags
var (
	backupOutput    string
	backupKeyFile   string
	backupJSON      bool
	backupOverwrite bool
	backupDryRun    bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupKeygenCmd)

	backupCmd.PersistentFlags().StringVar(&backupKeyFile, "key-file", "", "Use a 32-byte key file instead of a passphrase")
	backupCreateCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Backup file to create (required)")
	_ = backupCreateCmd.MarkFlagRequired("output")
	backupVerifyCmd.Flags().BoolVar(&backupJSON, "json", false, "Output in JSON format")
	backupRestoreCmd.Flags().BoolVar(&backupOverwrite, "overwrite", false, "Replace the existing vault (requires its current secret)")
	backupRestoreCmd.Flags().BoolVar(&backupDryRun, "dry-run", false, "Verify and decrypt without writing")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Encrypted vault backups",
	Long: `Create, verify and restore encrypted backups of your vault.

Backups are encrypted with AES-256-GCM under a backup passphrase (Argon2id)
or a key file, and authenticated with HMAC-SHA256. The passphrase is
independent of the vault secret; a restored vault opens with the vault
secret it had when it was backed up.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Back up the vault of the selected user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		opts, err := backupOptions(cmd, true)
		if err != nil {
			return err
		}

		absPath, err := filepath.Abs(backupOutput)
		if err != nil {
			return fmt.Errorf("invalid output path: %w", err)
		}
		f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, storage.FileMode)
		if err != nil {
			return fmt.Errorf("failed to create backup file: %w", err)
		}

		header, err := backup.Backup(cmd.Context(), sess, f, opts)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Join(err, os.Remove(absPath))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Backed up %d credentials to %s\n", header.CredentialCount, absPath)
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:         "verify <file>",
	Short:       "Check a backup's integrity without restoring it",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationNoStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer f.Close()

		opts, err := backupOptions(cmd, false)
		if err != nil {
			return err
		}
		result, err := backup.Verify(f, opts)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if backupJSON {
			if err := printJSON(out, result); err != nil {
				return err
			}
		} else if result.Valid {
			fmt.Fprintf(out, "%s: vault %s, %d credentials, created %s\n",
				okFmt("Backup is valid"), result.Vault, result.CredentialCount, result.CreatedAt.Local().Format(time.DateTime))
		}
		if !result.Valid {
			return fmt.Errorf("backup verification failed: %s", result.Error)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore a backup as the vault of the selected user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, path, err := vaultPath()
		if err != nil {
			return err
		}

		if storage.Exists(path) {
			if !backupOverwrite {
				return fmt.Errorf("a vault already exists for %s (use --overwrite)", name)
			}
			sess, err := unlock(cmd)
			if err != nil {
				return err
			}
			sess.Lock()
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open backup: %w", err)
		}
		defer f.Close()

		opts, err := backupOptions(cmd, false)
		if err != nil {
			return err
		}
		result, err := backup.Restore(cmd.Context(), svc, f, path, backup.RestoreOptions{
			Options:   opts,
			Overwrite: backupOverwrite,
			DryRun:    backupDryRun,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if result.DryRun {
			fmt.Fprintf(out, "Dry run: would restore %d credentials from vault %s for %s\n",
				result.Header.CredentialCount, result.Header.Vault, name)
			return nil
		}
		fmt.Fprintf(out, "Restored %d credentials for %s\n", result.Header.CredentialCount, name)
		return nil
	},
}

var backupKeygenCmd = &cobra.Command{
	Use:         "keygen <file>",
	Short:       "Generate a backup key file",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationNoStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := backup.GenerateKeyFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key file written to %s; store it apart from your backups\n", args[0])
		return nil
	},
}

// backupOptions reads the backup key: the --key-file path, or a passphrase
// (asked twice when confirmNew is set).
func backupOptions(cmd *cobra.Command, confirmNew bool) (backup.Options, error) {
	opts := backup.Options{KeyFile: backupKeyFile, KDF: cfg.KDFParams()}
	if backupKeyFile != "" {
		return opts, nil
	}

	var pass string
	var err error
	if confirmNew {
		pass, err = readNewSecret(cmd, "backup passphrase")
	} else {
		pass, err = readSecret(cmd, "Enter backup passphrase: ")
	}
	if err != nil {
		return opts, err
	}
	if pass == "" {
		return opts, backup.ErrEmptyPassword
	}
	opts.Password = []byte(pass)
	return opts, nil
}
