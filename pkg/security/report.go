package security

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/forest6511/credvault/pkg/vault"
)

// Report is the security assessment of a vault.
type Report struct {
	// Overall is the total score (0-100).
	Overall     int             `json:"overall"`
	Components  ScoreComponents `json:"components"`
	Issues      []Issue         `json:"issues"`
	Suggestions []string        `json:"suggestions"`
	// Limited is set when issues were dropped by Options.IssueLimit.
	Limited bool `json:"limited"`
}

// ScoreComponents breaks down the score. Each component contributes up to
// 25 points.
type ScoreComponents struct {
	StrengthScore   int `json:"strength"`
	UniquenessScore int `json:"uniqueness"`
	ExpirationScore int `json:"expiration"`
	FreshnessScore  int `json:"freshness"`
}

// IssueType identifies the type of security issue.
type IssueType string

const (
	IssueWeakPassword      IssueType = "weak"
	IssueDuplicatePassword IssueType = "duplicate"
	IssueExpiringSoon      IssueType = "expiring"
	IssueExpired           IssueType = "expired"
	IssueStalePassword     IssueType = "stale"
)

// Severity indicates the urgency of a security issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Issue is one detected problem.
type Issue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title,omitempty"`
	Titles      []string  `json:"titles,omitempty"`
	Description string    `json:"description"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// Options tune Analyze. The zero value uses the defaults.
type Options struct {
	// ExpiryWindow flags credentials expiring within it. Default 30 days.
	ExpiryWindow time.Duration
	// MaxAge flags passwords not changed for longer. Default 365 days.
	MaxAge time.Duration
	// IssueLimit caps weak and duplicate issues each (0 = unlimited).
	IssueLimit int
	// HideTitles leaves credential titles out of issues.
	HideTitles bool
}

const (
	day                 = 24 * time.Hour
	DefaultExpiryWindow = 30 * day
	DefaultMaxAge       = 365 * day
)

func (o Options) withDefaults() Options {
	if o.ExpiryWindow <= 0 {
		o.ExpiryWindow = DefaultExpiryWindow
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	return o
}

// Analyze scores creds as of now.
func Analyze(creds []*vault.Credential, now time.Time, opts Options) (*Report, error) {
	opts = opts.withDefaults()

	if len(creds) == 0 {
		return &Report{
			Overall: 100,
			Components: ScoreComponents{
				StrengthScore:   25,
				UniquenessScore: 25,
				ExpirationScore: 25,
				FreshnessScore:  25,
			},
			Issues:      []Issue{},
			Suggestions: []string{},
		}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("security: failed to generate comparison key: %w", err)
	}

	strength, weak := strengthScore(creds, opts)
	uniqueness, dups := uniquenessScore(creds, key, opts)
	expiration, expiring := expirationScore(creds, now, opts)
	freshness, stale := freshnessScore(creds, now, opts)

	var limited bool
	weak, limited = limitIssues(weak, opts.IssueLimit)
	var dupLimited bool
	dups, dupLimited = limitIssues(dups, opts.IssueLimit)

	issues := make([]Issue, 0, len(weak)+len(dups)+len(expiring)+len(stale))
	issues = append(issues, weak...)
	issues = append(issues, dups...)
	issues = append(issues, expiring...)
	issues = append(issues, stale...)

	return &Report{
		Overall: strength + uniqueness + expiration + freshness,
		Components: ScoreComponents{
			StrengthScore:   strength,
			UniquenessScore: uniqueness,
			ExpirationScore: expiration,
			FreshnessScore:  freshness,
		},
		Issues:      issues,
		Suggestions: suggestions(issues),
		Limited:     limited || dupLimited,
	}, nil
}

func title(c *vault.Credential, opts Options) string {
	if opts.HideTitles {
		return ""
	}
	return c.Title
}

// strengthScore averages strength points over all credentials.
func strengthScore(creds []*vault.Credential, opts Options) (int, []Issue) {
	var issues []Issue
	total := 0
	for _, c := range creds {
		s := CalculateStrength(c.Password, c.Tags)
		total += s.Points()
		if s == PasswordWeak {
			issues = append(issues, Issue{
				Type:        IssueWeakPassword,
				Severity:    SeverityWarning,
				Title:       title(c, opts),
				Description: "Password has insufficient strength (" + formatLength(len([]rune(c.Password))) + ")",
				Suggestion:  "Use a longer password (14+ characters for passwords, 32+ for API keys)",
			})
		}
	}
	score := total / len(creds)
	if score > 25 {
		score = 25
	}
	return score, issues
}

func uniquenessScore(creds []*vault.Credential, key []byte, opts Options) (int, []Issue) {
	unique, total := uniqueCount(creds, key)
	if total == 0 {
		return 25, nil
	}

	var issues []Issue
	for _, dup := range FindDuplicates(creds, key) {
		issue := Issue{
			Type:        IssueDuplicatePassword,
			Severity:    SeverityWarning,
			Description: strconv.Itoa(dup.Count) + " credentials share the same password",
			Suggestion:  "Use unique passwords for each credential",
		}
		if !opts.HideTitles {
			issue.Titles = dup.Titles
		}
		issues = append(issues, issue)
	}
	return unique * 25 / total, issues
}

func expirationScore(creds []*vault.Credential, now time.Time, opts Options) (int, []Issue) {
	var issues []Issue
	withExpiry, live := 0, 0
	threshold := now.Add(opts.ExpiryWindow)

	for _, c := range creds {
		if c.Expiration == nil {
			continue
		}
		withExpiry++
		exp := *c.Expiration

		switch {
		case exp.Before(now):
			issues = append(issues, Issue{
				Type:        IssueExpired,
				Severity:    SeverityCritical,
				Title:       title(c, opts),
				Description: "Credential has expired",
				Suggestion:  "Renew or remove expired credentials",
			})
		case exp.Before(threshold):
			live++
			issues = append(issues, Issue{
				Type:        IssueExpiringSoon,
				Severity:    SeverityWarning,
				Title:       title(c, opts),
				Description: "Credential expires in " + formatDays(int(exp.Sub(now)/day)),
				Suggestion:  "Plan to renew before expiration",
			})
		default:
			live++
		}
	}

	if withExpiry == 0 {
		return 25, issues
	}
	return live * 25 / withExpiry, issues
}

// freshnessScore rewards passwords changed within opts.MaxAge.
func freshnessScore(creds []*vault.Credential, now time.Time, opts Options) (int, []Issue) {
	var issues []Issue
	fresh := 0
	for _, c := range creds {
		age := now.Sub(c.UpdatedAt)
		if age <= opts.MaxAge {
			fresh++
			continue
		}
		issues = append(issues, Issue{
			Type:        IssueStalePassword,
			Severity:    SeverityInfo,
			Title:       title(c, opts),
			Description: "Password unchanged for " + formatDays(int(age/day)),
			Suggestion:  "Rotate long-lived passwords",
		})
	}
	return fresh * 25 / len(creds), issues
}

func limitIssues(issues []Issue, limit int) ([]Issue, bool) {
	if limit > 0 && len(issues) > limit {
		return issues[:limit], true
	}
	return issues, false
}

func suggestions(issues []Issue) []string {
	seen := make(map[IssueType]bool)
	for _, issue := range issues {
		seen[issue.Type] = true
	}

	out := []string{}
	if seen[IssueWeakPassword] {
		out = append(out, "Update weak passwords with stronger alternatives (14+ characters)")
	}
	if seen[IssueDuplicatePassword] {
		out = append(out, "Replace duplicate passwords with unique values")
	}
	if seen[IssueExpired] {
		out = append(out, "Remove or renew expired credentials immediately")
	}
	if seen[IssueExpiringSoon] {
		out = append(out, "Plan to renew expiring credentials before they expire")
	}
	if seen[IssueStalePassword] {
		out = append(out, "Rotate passwords that have not changed in over a year")
	}
	return out
}

func formatLength(n int) string {
	if n == 1 {
		return "1 character"
	}
	return strconv.Itoa(n) + " characters"
}

func formatDays(days int) string {
	switch days {
	case 0:
		return "today"
	case 1:
		return "1 day"
	default:
		return strconv.Itoa(days) + " days"
	}
}
