package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/internal/cli"
	"github.com/forest6511/credvault/pkg/password"
	"github.com/forest6511/credvault/pkg/vault"
)

// Credential command flags
var (
	credUsername string
	credURL      string
	credNotes    string
	credTag      string
	credExpires  string
	credGroup    string
	credGenerate bool

	credEditTitle    string
	credEditPassword bool
	credEditNoGroup  bool

	credGetShow  bool
	credGetJSON  bool
	credGetField string

	credRmForce bool

	credLsGroup     string
	credLsUngrouped bool
	credLsExpiring  string
	credLsMatch     string
	credLsJSON      bool
)

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(lsCmd)

	for _, c := range []*cobra.Command{addCmd, editCmd} {
		c.Flags().StringVar(&credUsername, "username", "", "Login username")
		c.Flags().StringVar(&credURL, "url", "", "Site URL")
		c.Flags().StringVar(&credNotes, "notes", "", "Free-form notes")
		c.Flags().StringVar(&credTag, "tag", "", "Single tag")
		c.Flags().StringVar(&credExpires, "expires", "", "Expiration: date (2006-01-02), duration (30d, 1y) or never")
		c.Flags().StringVarP(&credGroup, "group", "g", "", "Group title")
		c.Flags().BoolVar(&credGenerate, "generate", false, "Generate the password instead of prompting")
	}
	editCmd.Flags().StringVar(&credEditTitle, "title", "", "New title")
	editCmd.Flags().BoolVar(&credEditPassword, "password", false, "Prompt for a new password")
	editCmd.Flags().BoolVar(&credEditNoGroup, "no-group", false, "Remove the credential from its group")

	getCmd.Flags().BoolVar(&credGetShow, "show", false, "Print the password")
	getCmd.Flags().BoolVar(&credGetJSON, "json", false, "Output in JSON format")
	getCmd.Flags().StringVar(&credGetField, "field", "", "Print one field: title, username, password, url, notes, tags, group, expires")

	rmCmd.Flags().BoolVarP(&credRmForce, "force", "f", false, "Skip confirmation prompt")

	lsCmd.Flags().StringVarP(&credLsGroup, "group", "g", "", "Only credentials in this group")
	lsCmd.Flags().BoolVar(&credLsUngrouped, "ungrouped", false, "Only credentials without a group")
	lsCmd.Flags().StringVar(&credLsExpiring, "expiring", "", "Only credentials expiring within a duration (e.g. 7d)")
	lsCmd.Flags().StringVar(&credLsMatch, "match", "", "Only titles matching a glob pattern (case-insensitive)")
	lsCmd.Flags().BoolVar(&credLsJSON, "json", false, "Output in JSON format")
	lsCmd.MarkFlagsMutuallyExclusive("group", "ungrouped", "expiring")
}

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a credential",
	Long: `Add a credential to your vault. The password is read from the
terminal unless --generate is given.

Examples:
  credvault add github --username octocat --url https://github.com
  credvault add db/prod --username admin --generate --expires 90d --group servers`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		expires, err := parseExpiry(credExpires, time.Now())
		if err != nil {
			return err
		}

		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		in := vault.CredentialInput{
			Title:      args[0],
			Username:   credUsername,
			URL:        credURL,
			Notes:      credNotes,
			Tags:       credTag,
			Expiration: expires,
		}
		if in.Username == "" {
			fmt.Fprint(cmd.ErrOrStderr(), "Username: ")
			if in.Username, err = readLine(); err != nil {
				return err
			}
		}
		if in.Password, err = credentialPassword(cmd); err != nil {
			return err
		}
		if credGroup != "" {
			id, err := sess.Groups().IDByTitle(ctx, credGroup)
			if err != nil {
				return groupLookupError(credGroup, err)
			}
			in.GroupID = &id
		}

		c, err := sess.Credentials().Add(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credential '%s' added\n", c.Title)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <title>",
	Short: "Show a credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		c, err := sess.Credentials().Get(cmd.Context(), args[0])
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				return fmt.Errorf("credential '%s' not found", args[0])
			}
			return err
		}

		out := cmd.OutOrStdout()
		if credGetField != "" {
			v, err := credentialField(c, credGetField)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, v)
			return nil
		}
		if !credGetShow {
			c.Password = ""
		}
		if credGetJSON {
			return printJSON(out, c)
		}
		printCredential(out, c, credGetShow)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <title>",
	Short: "Modify a credential",
	Long: `Modify a credential. Only the given flags change.

Examples:
  credvault edit github --url https://github.com/login
  credvault edit github --title github-work --password
  credvault edit github --expires never --no-group`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()

		if credEditNoGroup && flags.Changed("group") {
			return errors.New("--group and --no-group cannot be used together")
		}
		if credEditPassword && credGenerate {
			return errors.New("--password and --generate cannot be used together")
		}

		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		c, err := sess.Credentials().Get(ctx, args[0])
		if err != nil {
			if errors.Is(err, vault.ErrNotFound) {
				return fmt.Errorf("credential '%s' not found", args[0])
			}
			return err
		}

		in := vault.CredentialInput{
			Title:      c.Title,
			Username:   c.Username,
			Password:   c.Password,
			URL:        c.URL,
			Notes:      c.Notes,
			Tags:       c.Tags,
			Expiration: c.Expiration,
			GroupID:    c.GroupID,
		}
		if flags.Changed("title") {
			in.Title = credEditTitle
		}
		if flags.Changed("username") {
			in.Username = credUsername
		}
		if flags.Changed("url") {
			in.URL = credURL
		}
		if flags.Changed("notes") {
			in.Notes = credNotes
		}
		if flags.Changed("tag") {
			in.Tags = credTag
		}
		if flags.Changed("expires") {
			if in.Expiration, err = parseExpiry(credExpires, time.Now()); err != nil {
				return err
			}
		}
		if credEditPassword || credGenerate {
			if in.Password, err = credentialPassword(cmd); err != nil {
				return err
			}
		}
		switch {
		case credEditNoGroup:
			in.GroupID = nil
		case flags.Changed("group"):
			id, err := sess.Groups().IDByTitle(ctx, credGroup)
			if err != nil {
				return groupLookupError(credGroup, err)
			}
			in.GroupID = &id
		}

		updated, err := sess.Credentials().Modify(ctx, c.Title, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credential '%s' updated\n", updated.Title)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <title|pattern>...",
	Short: "Remove credentials",
	Long: `Remove one or more credentials. Arguments may be exact titles or
glob patterns (*, ?, [...]).

Examples:
  credvault rm github
  credvault rm 'old/*' -f`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		creds := sess.Credentials()
		titles, err := creds.Titles(ctx)
		if err != nil {
			return err
		}
		targets, err := cli.ExpandPatterns(args, titles)
		if err != nil {
			return err
		}

		if !credRmForce {
			question := fmt.Sprintf("Remove credential '%s'?", targets[0])
			if len(targets) > 1 {
				question = fmt.Sprintf("Remove %d credentials (%s)?", len(targets), strings.Join(targets, ", "))
			}
			ok, err := confirm(cmd, question)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}
		}

		for _, title := range targets {
			if err := creds.Remove(ctx, title); err != nil {
				return fmt.Errorf("failed to remove '%s': %w", title, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Credential '%s' removed\n", title)
		}
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {

		var within time.Duration
		if credLsExpiring != "" {
			d, err := parseDuration(credLsExpiring)
			if err != nil {
				return fmt.Errorf("invalid --expiring value: %w", err)
			}
			within = d
		}

		sess, err := unlock(cmd)
		if err != nil {
			return err
		}
		defer sess.Lock()

		creds, err := listCredentials(cmd, sess, within)
		if err != nil {
			return err
		}

		if credLsMatch != "" {
			titles := make([]string, len(creds))
			for i, c := range creds {
				titles[i] = c.Title
			}
			matched, err := cli.Match(credLsMatch, titles, true)
			if err != nil {
				return err
			}
			keep := make(map[string]bool, len(matched))
			for _, t := range matched {
				keep[t] = true
			}
			filtered := creds[:0]
			for _, c := range creds {
				if keep[c.Title] {
					filtered = append(filtered, c)
				}
			}
			creds = filtered
		}

		for _, c := range creds {
			c.Password = ""
		}

		out := cmd.OutOrStdout()
		if credLsJSON {
			if creds == nil {
				creds = []*vault.Credential{}
			}
			return printJSON(out, creds)
		}
		if len(creds) == 0 {
			fmt.Fprintln(out, "No credentials found")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TITLE\tUSERNAME\tGROUP\tTAG\tEXPIRES")
		for _, c := range creds {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Title, c.Username, c.GroupTitle, c.Tags, formatExpiry(c.Expiration))
		}
		return w.Flush()
	},
}

// listCredentials collects the credentials selected by the ls flags.
func listCredentials(cmd *cobra.Command, sess *vault.Session, within time.Duration) ([]*vault.Credential, error) {
	ctx := cmd.Context()
	store := sess.Credentials()

	if within > 0 {
		return store.ListExpiring(ctx, within)
	}

	seq := store.List(ctx)
	switch {
	case credLsUngrouped:
		seq = store.ListUngrouped(ctx)
	case credLsGroup != "":
		id, err := sess.Groups().IDByTitle(ctx, credLsGroup)
		if err != nil {
			return nil, groupLookupError(credLsGroup, err)
		}
		seq = store.ListByGroup(ctx, id)
	}

	var creds []*vault.Credential
	for c, err := range seq {
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// credentialPassword generates a password when --generate is set, otherwise
// prompts for one.
func credentialPassword(cmd *cobra.Command) (string, error) {
	if credGenerate {
		pw, err := password.Generate(cfg.Generator.Length)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Password generated")
		return pw, nil
	}
	return readSecret(cmd, "Password: ")
}

func groupLookupError(title string, err error) error {
	if errors.Is(err, vault.ErrNotFound) {
		return fmt.Errorf("group '%s' not found: %w", title, vault.ErrInvalidGroup)
	}
	return err
}

// credentialField returns one field of c by name.
func credentialField(c *vault.Credential, field string) (string, error) {
	switch strings.ToLower(field) {
	case "title":
		return c.Title, nil
	case "username":
		return c.Username, nil
	case "password":
		return c.Password, nil
	case "url":
		return c.URL, nil
	case "notes":
		return c.Notes, nil
	case "tags", "tag":
		return c.Tags, nil
	case "group":
		return c.GroupTitle, nil
	case "expires", "expiration":
		return formatExpiry(c.Expiration), nil
	default:
		return "", fmt.Errorf("unknown field '%s'", field)
	}
}

func printCredential(w io.Writer, c *vault.Credential, showPassword bool) {
	fmt.Fprintf(w, "Title:    %s\n", c.Title)
	fmt.Fprintf(w, "Username: %s\n", c.Username)
	if showPassword {
		fmt.Fprintf(w, "Password: %s\n", c.Password)
	} else {
		fmt.Fprintln(w, "Password: ******** (use --show)")
	}
	if c.URL != "" {
		fmt.Fprintf(w, "URL:      %s\n", c.URL)
	}
	if c.GroupTitle != "" {
		fmt.Fprintf(w, "Group:    %s\n", c.GroupTitle)
	}
	if c.Tags != "" {
		fmt.Fprintf(w, "Tag:      %s\n", c.Tags)
	}
	fmt.Fprintf(w, "Expires:  %s\n", formatExpiry(c.Expiration))
	fmt.Fprintf(w, "Created:  %s\n", c.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Updated:  %s\n", c.UpdatedAt.Local().Format(time.DateTime))
	if c.Notes != "" {
		fmt.Fprintf(w, "Notes:\n%s\n", c.Notes)
	}
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateOnly)
}
