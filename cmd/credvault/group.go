package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Group command flags
var (
	groupLsJSON  bool
	groupRmForce bool
)

func init() {
	rootCmd.AddCommand(groupCmd)
	groupCmd.AddCommand(groupAddCmd)
	groupCmd.AddCommand(groupLsCmd)
	groupCmd.AddCommand(groupRenameCmd)
	groupCmd.AddCommand(groupRmCmd)

	groupLsCmd.Flags().BoolVar(&groupLsJSON, "json", false, "Output in JSON format")
	groupRmCmd.Flags().BoolVarP(&groupRmForce, "force", "f", false, "Skip confirmation prompt")
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage credential groups",
	Long: `Manage credential groups. A credential belongs to at most one group;
removing a group keeps its credentials and leaves them ungrouped.`,
}

var groupAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		if _, err := sess.Groups().Create(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Group '%s' created\n", args[0])
		return nil
	},
}

var groupLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List groups with their credential counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		groups, err := sess.Groups().List(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if groupLsJSON {
			return printJSON(out, groups)
		}
		if len(groups) == 0 {
			fmt.Fprintln(out, "No groups found")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tCREDENTIALS")
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t%d\n", g.Title, g.CredentialCount)
		}
		return w.Flush()
	},
}

var groupRenameCmd = &cobra.Command{
	Use:   "rename <title> <new-title>",
	Short: "Rename a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		groups := sess.Groups()
		id, err := groups.IDByTitle(ctx, args[0])
		if err != nil {
			return groupLookupError(args[0], err)
		}
		if err := groups.Rename(ctx, id, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Group '%s' renamed to '%s'\n", args[0], args[1])
		return nil
	},
}

var groupRmCmd = &cobra.Command{
	Use:   "rm <title>",
	Short: "Remove a group, keeping its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		groups := sess.Groups()
		id, err := groups.IDByTitle(ctx, args[0])
		if err != nil {
			return groupLookupError(args[0], err)
		}

		if !groupRmForce {
			ok, err := confirm(cmd, fmt.Sprintf("Remove group '%s'? Its credentials become ungrouped.", args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}
		}

		if err := groups.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Group '%s' removed\n", args[0])
		return nil
	},
}
