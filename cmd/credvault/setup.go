package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/registry"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

// setupCmd configures the admin secret on first run.
var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure the admin secret (first run)",
	Long: `Configure the admin secret of this installation.

The admin secret guards installation-wide operations: listing vaults,
reading and purging the global audit log, and destroying another user's
vault. It can be set once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ok, err := reg.HasAdmin(ctx)
		if err != nil {
			return err
		}
		if ok {
			return registry.ErrAdminExists
		}

		secret, err := readNewSecret(cmd, "admin secret")
		if err != nil {
			return err
		}
		if err := reg.SetupAdmin(ctx, secret); err != nil {
			if errors.Is(err, registry.ErrAdminExists) {
				return err
			}
			return fmt.Errorf("failed to configure admin: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Admin configured. Registry at %s\n", reg.Path())
		return nil
	},
}
