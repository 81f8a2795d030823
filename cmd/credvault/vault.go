package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// Vault command flags
var (
	vaultCheckJSON     bool
	vaultDestroyForce  bool
	vaultDestroyAsAdmin bool
)

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultCreateCmd)
	vaultCmd.AddCommand(vaultCheckCmd)
	vaultCmd.AddCommand(vaultPasswdCmd)
	vaultCmd.AddCommand(vaultDestroyCmd)
	vaultCmd.AddCommand(vaultListCmd)

	vaultCheckCmd.Flags().BoolVar(&vaultCheckJSON, "json", false, "Output in JSON format")
	vaultDestroyCmd.Flags().BoolVarP(&vaultDestroyForce, "force", "f", false, "Skip confirmation prompt")
	vaultDestroyCmd.Flags().BoolVar(&vaultDestroyAsAdmin, "admin", false, "Authorize with the admin secret instead of the vault secret")
}

// vaultCmd is the parent command for vault lifecycle operations.
var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Vault lifecycle operations",
}

var vaultCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the vault of the selected user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, path, err := vaultPath()
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Creating vault for %s...\n", name)
		secret, err := readNewSecret(cmd, "vault secret")
		if err != nil {
			return err
		}
		if err := svc.Create(cmd.Context(), path, secret); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Vault created at %s\n", path)
		return nil
	},
}

var vaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the integrity of the vault file without unlocking it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, path, err := vaultPath()
		if err != nil {
			return err
		}

		result, err := svc.CheckIntegrity(cmd.Context(), path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if vaultCheckJSON {
			if err := printJSON(out, result); err != nil {
				return err
			}
		} else {
			mark := func(ok bool) string {
				if ok {
					return okFmt("ok")
				}
				return errFmt("FAILED")
			}
			fmt.Fprintf(out, "File:        %s\n", mark(result.FileExists))
			fmt.Fprintf(out, "Permissions: %s\n", mark(result.PermissionsValid))
			fmt.Fprintf(out, "Database:    %s\n", mark(result.DBIntegrity))
			fmt.Fprintf(out, "Schema:      %s (version %d)\n", mark(result.SchemaValid), result.SchemaVersion)
			fmt.Fprintf(out, "Secret:      %s\n", mark(result.SecretPresent))
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  - %s\n", e)
			}
		}

		if !result.Valid {
			return errors.New("vault integrity check failed")
		}
		return nil
	},
}

var vaultPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the vault secret",
	Long: `Change the vault secret by re-wrapping the vault key.

Credentials are not re-encrypted; the change is atomic.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, path, err := vaultPath()
		if err != nil {
			return err
		}

		current, err := readSecret(cmd, fmt.Sprintf("Enter current vault secret for %s: ", name))
		if err != nil {
			return err
		}
		next, err := readNewSecret(cmd, "vault secret")
		if err != nil {
			return err
		}
		if current == next {
			return errors.New("new secret must differ from the current one")
		}

		if err := svc.RotateSecret(cmd.Context(), path, current, next); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Vault secret changed")
		return nil
	},
}

var vaultDestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete the vault of the selected user",
	Long: `Delete the vault file of the selected user and remove it from the
registry. This cannot be undone.

Authorize with the vault secret, or with the admin secret (--admin).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name, path, err := vaultPath()
		if err != nil {
			return err
		}

		if vaultDestroyAsAdmin {
			if _, err := verifyAdmin(cmd); err != nil {
				return err
			}
		} else {
			sess, err := unlock(cmd)
			if err != nil {
				return err
			}
			sess.Lock()
		}

		if !vaultDestroyForce {
			ok, err := confirm(cmd, fmt.Sprintf("Permanently delete the vault of %s?", name))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}
		}

		if err := svc.Destroy(ctx, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Vault of %s destroyed\n", name)
		return nil
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all vaults (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if _, err := verifyAdmin(cmd); err != nil {
			return err
		}

		vaults, err := reg.Vaults(ctx)
		if err != nil {
			return err
		}
		if len(vaults) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No vaults found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tCREATED\tPATH")
		for _, v := range vaults {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				layout.Username(v.Path), v.CreatedOn.Local().Format(time.DateTime), v.Path)
		}
		return w.Flush()
	},
}
