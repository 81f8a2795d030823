package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/importer"
)

// Import command flags
var (
	importFrom            string
	importOnConflict      string
	importTag             string
	importDefaultUsername string
	importDryRun          bool
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importFrom, "from", "", "Import source: 1password, bitwarden, lastpass")
	importCmd.Flags().StringVar(&importOnConflict, "on-conflict", string(importer.ConflictError), "How to handle existing titles: skip, overwrite, error")
	importCmd.Flags().StringVar(&importTag, "tag", "", "Tag every imported credential with this tag")
	importCmd.Flags().StringVar(&importDefaultUsername, "default-username", "", "Username for logins exported without one (default: skip them)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and report without writing to the vault")
	_ = importCmd.MarkFlagRequired("from")
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import logins from another password manager",
	Long: `Import logins from a 1Password CSV, Bitwarden JSON or LastPass CSV export.

Folders become groups; missing groups are created. Items that are not
logins, or that lack a password, are skipped and reported. TOTP seeds and
hidden custom fields are not imported.

Examples:
  credvault import bitwarden.json --from bitwarden --dry-run
  credvault import lastpass.csv --from lastpass --on-conflict skip --tag imported`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		source := importer.Source(strings.ToLower(importFrom))
		parser, err := importer.GetParser(source)
		if err != nil {
			return fmt.Errorf("invalid --from value '%s': must be one of %v", importFrom, importer.ValidSources())
		}
		mode, err := importer.ParseConflictMode(importOnConflict)
		if err != nil {
			return err
		}

		data, err := readImportFile(args[0])
		if err != nil {
			return err
		}

		result, err := parser.Parse(data, importer.ParseOptions{
			DefaultUsername: importDefaultUsername,
			Tag:             importTag,
		})
		if err != nil {
			return fmt.Errorf("failed to parse %s file: %w", importFrom, err)
		}

		errOut := cmd.ErrOrStderr()
		for _, warning := range result.Warnings {
			fmt.Fprintf(errOut, "Warning: %s\n", warning)
		}
		for _, skipped := range result.Skipped {
			fmt.Fprintf(errOut, "Skipped: %s (%s)\n", skipped.OriginalName, skipped.Reason)
		}

		out := cmd.OutOrStdout()
		if len(result.Credentials) == 0 {
			fmt.Fprintln(out, "No credentials found in file")
			return nil
		}
		fmt.Fprintf(out, "Found %d credentials to import\n", len(result.Credentials))

		if importDryRun {
			for _, c := range result.Credentials {
				line := "  " + c.Title
				if c.Group != "" {
					line += " [" + c.Group + "]"
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, "Dry run: nothing written")
			return nil
		}

		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		summary, err := importer.Apply(ctx, sess, result, mode)
		if err != nil {
			return err
		}

		for _, f := range summary.Failed {
			fmt.Fprintf(errOut, "Failed: %s (%s)\n", f.OriginalName, f.Reason)
		}
		if len(summary.GroupsCreated) > 0 {
			fmt.Fprintf(out, "Groups created: %s\n", strings.Join(summary.GroupsCreated, ", "))
		}
		fmt.Fprintf(out, "Imported %d, overwritten %d, skipped %d, failed %d\n",
			len(summary.Added), len(summary.Overwritten), len(summary.Skipped), len(summary.Failed))
		return nil
	},
}

// readImportFile reads an export file, refusing symlinks.
func readImportFile(filePath string) ([]byte, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", filePath)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("security: refusing to read symlink: %s", absPath)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", filePath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
