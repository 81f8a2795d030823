package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/security"
	"github.com/forest6511/credvault/pkg/vault"
)

// Report command flags
var (
	reportVerbose    bool
	reportJSON       bool
	reportExpiryDays int
	reportMaxAgeDays int
	reportLimit      int
	reportHideTitles bool
)

// reportCmd scores the health of the vault.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Analyze vault security health",
	Long: `Analyze the security health of your vault and get recommendations.

The security score is calculated from:
  - Password Strength (0-25): Share of strong passwords
  - Uniqueness (0-25): Share of passwords not reused
  - Expiration (0-25): Share of expiring credentials not expired or near expiry
  - Freshness (0-25): Share of passwords changed within the maximum age

Example:
  credvault report              # Show security score and issues
  credvault report --verbose    # Also show suggestions
  credvault report --json       # Output in JSON format`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		var creds []*vault.Credential
		for c, err := range sess.Credentials().List(cmd.Context()) {
			if err != nil {
				return err
			}
			creds = append(creds, c)
		}

		const day = 24 * time.Hour
		report, err := security.Analyze(creds, time.Now(), security.Options{
			ExpiryWindow: time.Duration(reportExpiryDays) * day,
			MaxAge:       time.Duration(reportMaxAgeDays) * day,
			IssueLimit:   reportLimit,
			HideTitles:   reportHideTitles,
		})
		if err != nil {
			return fmt.Errorf("failed to calculate security score: %w", err)
		}

		if reportJSON {
			return printJSON(cmd.OutOrStdout(), report)
		}
		outputReportText(cmd.OutOrStdout(), report, reportVerbose)
		return nil
	},
}

// outputReportText writes the report as formatted text.
func outputReportText(w io.Writer, r *security.Report, verbose bool) {
	var rating string
	switch {
	case r.Overall >= 90:
		rating = "Excellent"
	case r.Overall >= 70:
		rating = "Good"
	case r.Overall >= 50:
		rating = "Fair"
	default:
		rating = "Needs Attention"
	}

	fmt.Fprintf(w, "Security Score: %s\n\n", scoreFmt(r.Overall)(fmt.Sprintf("%d/100 (%s)", r.Overall, rating)))

	c := r.Components
	fmt.Fprintln(w, "Components:")
	fmt.Fprintf(w, "  Password Strength: %2d/25 %s\n", c.StrengthScore, progressBar(c.StrengthScore, 25))
	fmt.Fprintf(w, "  Uniqueness:        %2d/25 %s\n", c.UniquenessScore, progressBar(c.UniquenessScore, 25))
	fmt.Fprintf(w, "  Expiration:        %2d/25 %s\n", c.ExpirationScore, progressBar(c.ExpirationScore, 25))
	fmt.Fprintf(w, "  Freshness:         %2d/25 %s\n", c.FreshnessScore, progressBar(c.FreshnessScore, 25))
	fmt.Fprintln(w)

	if len(r.Issues) > 0 {
		fmt.Fprintf(w, "Issues (%d):\n", len(r.Issues))
		for i, issue := range r.Issues {
			label := strings.ToUpper(string(issue.Type))
			var titles string
			if issue.Title != "" {
				titles = fmt.Sprintf(" %q", issue.Title)
			} else if len(issue.Titles) > 0 {
				titles = " " + strings.Join(issue.Titles, ", ")
			}
			fmt.Fprintf(w, "  %d. [%s]%s: %s\n", i+1, severityFmt(string(issue.Severity))(label), titles, issue.Description)
		}
		fmt.Fprintln(w)
	}

	if verbose && len(r.Suggestions) > 0 {
		fmt.Fprintln(w, "Suggestions:")
		for _, s := range r.Suggestions {
			fmt.Fprintf(w, "  - %s\n", s)
		}
		fmt.Fprintln(w)
	}

	if r.Limited {
		fmt.Fprintln(w, "Some weak and duplicate password issues were omitted; raise --limit to see them all.")
	}
}

// progressBar creates a simple ASCII progress bar.
func progressBar(value, maxVal int) string {
	const width = 20
	filled := value * width / maxVal
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().BoolVarP(&reportVerbose, "verbose", "v", false, "Show suggestions")
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "Output in JSON format")
	reportCmd.Flags().IntVar(&reportExpiryDays, "expiry-days", 30, "Expiration warning window in days")
	reportCmd.Flags().IntVar(&reportMaxAgeDays, "max-age-days", 365, "Flag passwords unchanged for longer than this many days")
	reportCmd.Flags().IntVar(&reportLimit, "limit", 0, "Show at most N weak and N duplicate issues (0 = all)")
	reportCmd.Flags().BoolVar(&reportHideTitles, "hide-titles", false, "Leave credential titles out of issues")
}
