package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/vault"
)

// Audit command flags
var (
	auditGlobal bool
	auditAction string
	auditSince  string
	auditUntil  string
	auditLimit  int
	auditJSON   bool

	auditExportFormat string
	auditExportOutput string

	auditPurgeForce bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditLsCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditPurgeCmd)

	auditCmd.PersistentFlags().BoolVar(&auditGlobal, "global", false, "Use the global (registry) audit log; requires the admin secret")

	for _, c := range []*cobra.Command{auditLsCmd, auditExportCmd} {
		c.Flags().StringVar(&auditAction, "action", "", "Only entries with this action (INSERT, UPDATE, DELETE, VAULT_UNLOCK, ...)")
		c.Flags().StringVar(&auditSince, "since", "", "Only entries newer than a duration (e.g. 24h, 7d)")
		c.Flags().StringVar(&auditUntil, "until", "", "Only entries up to a date (2006-01-02) or RFC 3339 time")
	}
	auditLsCmd.Flags().IntVarP(&auditLimit, "limit", "n", 100, "Show the most recent N entries (0 = all)")
	auditLsCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
	auditVerifyCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")

	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", audit.FormatJSON, "Output format: json or csv")
	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "Output file (default: stdout)")

	auditPurgeCmd.Flags().BoolVarP(&auditPurgeForce, "force", "f", false, "Skip confirmation prompt")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and manage audit logs",
	Long: `Inspect and manage audit logs.

Every credential and group change is recorded in the vault's own
tamper-evident log. Vault lifecycle events (creation, unlocks, failed
unlocks, secret changes, destruction, purges) go to the global log kept
in the registry; use --global to work with it.`,
}

var auditLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List audit entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := auditFilter(time.Now())
		if err != nil {
			return err
		}
		f.Limit = auditLimit

		var entries []audit.Entry
		err = withAuditLog(cmd, func(log auditSource) error {
			entries, err = log.list(f)
			return err
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if auditJSON {
			if entries == nil {
				entries = []audit.Entry{}
			}
			return printJSON(out, entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No audit entries found")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tACTION\tDETAILS")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", e.Seq, e.ActionTime.Local().Format(time.DateTime), e.ActionType, e.Details)
		}
		return w.Flush()
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the audit chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var result *audit.VerifyResult
		err := withAuditLog(cmd, func(log auditSource) error {
			var err error
			result, err = log.verify()
			return err
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if auditJSON {
			if err := printJSON(out, result); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "Records: %d total, %d verified\n", result.RecordsTotal, result.RecordsVerified)
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  - %s\n", errFmt(e))
			}
		}
		if !result.Valid {
			return errors.New("audit chain verification failed")
		}
		if !auditJSON {
			fmt.Fprintln(out, okFmt("Audit chain is intact"))
		}
		return nil
	},
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit entries as JSON or CSV",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format := strings.ToLower(auditExportFormat)
		if format != audit.FormatJSON && format != audit.FormatCSV {
			return fmt.Errorf("invalid format: %s (use 'json' or 'csv')", auditExportFormat)
		}
		f, err := auditFilter(time.Now())
		if err != nil {
			return err
		}

		var data []byte
		err = withAuditLog(cmd, func(log auditSource) error {
			entries, err := log.list(f)
			if err != nil {
				return err
			}
			data, err = audit.Export(entries, format)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to export audit log: %w", err)
		}

		if auditExportOutput == "" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		absPath, err := filepath.Abs(auditExportOutput)
		if err != nil {
			return fmt.Errorf("invalid output path: %w", err)
		}
		if err := os.WriteFile(absPath, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Audit log exported to %s\n", absPath)
		return nil
	},
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all entries of an audit log",
	Long: `Delete all entries of the vault audit log, or of the global log with
--global. Purges are themselves recorded in the global log.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		confirmPurge := func(which string) (bool, error) {
			if auditPurgeForce {
				return true, nil
			}
			return confirm(cmd, fmt.Sprintf("Delete every entry of the %s audit log?", which))
		}

		var n int64
		if auditGlobal {
			secret, err := verifyAdmin(cmd)
			if err != nil {
				return err
			}
			ok, err := confirmPurge("global")
			if err != nil || !ok {
				return abortOn(cmd, err)
			}
			if n, err = reg.PurgeLog(ctx, secret); err != nil {
				return err
			}
		} else {
			sess, err := unlock(cmd)
			if err != nil {
				return err
			}
			defer sess.Lock()
			ok, err := confirmPurge("vault")
			if err != nil || !ok {
				return abortOn(cmd, err)
			}
			if n, err = sess.Audit().Purge(ctx); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d audit entries\n", n)
		return nil
	},
}

// auditSource abstracts the vault and global audit logs for the read-only
// audit commands.
type auditSource struct {
	list   func(audit.Filter) ([]audit.Entry, error)
	verify func() (*audit.VerifyResult, error)
}

// withAuditLog authorizes access to the selected log and calls fn with it.
// The vault session, if any, is locked when fn returns.
func withAuditLog(cmd *cobra.Command, fn func(auditSource) error) error {
	ctx := cmd.Context()
	if auditGlobal {
		if _, err := verifyAdmin(cmd); err != nil {
			return err
		}
		return fn(auditSource{
			list:   func(f audit.Filter) ([]audit.Entry, error) { return reg.Log(ctx, f) },
			verify: func() (*audit.VerifyResult, error) { return reg.VerifyLog(ctx) },
		})
	}

	sess, err := unlock(cmd)
	if err != nil {
		return err
	}
	defer sess.Lock()
	return fn(vaultAuditSource(ctx, sess))
}

func vaultAuditSource(ctx context.Context, sess *vault.Session) auditSource {
	log := sess.Audit()
	return auditSource{
		list:   func(f audit.Filter) ([]audit.Entry, error) { return log.List(ctx, f) },
		verify: func() (*audit.VerifyResult, error) { return log.Verify(ctx) },
	}
}

// auditFilter builds a filter from the --action, --since and --until flags.
func auditFilter(now time.Time) (audit.Filter, error) {
	f := audit.Filter{ActionType: strings.ToUpper(auditAction)}
	if auditSince != "" {
		d, err := parseDuration(auditSince)
		if err != nil {
			return f, fmt.Errorf("invalid since format: %w", err)
		}
		f.Since = now.Add(-d)
	}
	if auditUntil != "" {
		t, err := parseTime(auditUntil)
		if err != nil {
			return f, fmt.Errorf("invalid until format (use 2006-01-02 or RFC 3339): %w", err)
		}
		f.Until = t
	}
	return f, nil
}

// parseTime accepts a date, which means the end of that day, or an RFC 3339
// timestamp.
func parseTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t.Add(24*time.Hour - time.Nanosecond), nil
	}
	return time.Parse(time.RFC3339, s)
}

// abortOn reports an aborted confirmation, passing through read errors.
func abortOn(cmd *cobra.Command, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
	return nil
}
