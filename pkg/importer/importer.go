// Package importer parses exports from other password managers into
// credentials for a vault. Supports 1Password CSV, Bitwarden JSON, and
// LastPass CSV formats.
package importer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/forest6511/credvault/pkg/vault"
)

// Source represents the source password manager format.
type Source string

const (
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// ImportedCredential is one login parsed from an export, ready to be
// written to a vault.
type ImportedCredential struct {
	// Title is the normalized, de-duplicated credential title.
	Title string

	// OriginalName is the item name as it appeared in the export.
	OriginalName string

	Username string
	Password string
	URL      string
	Notes    string

	// Tag is the single tag of the credential. Multi-valued source tags
	// keep their first value.
	Tag string

	// Group is the title of the group to file the credential under, or "".
	Group string
}

// Input converts c to a vault.CredentialInput filed under groupID.
func (c *ImportedCredential) Input(groupID *int64) vault.CredentialInput {
	return vault.CredentialInput{
		Title:    c.Title,
		Username: c.Username,
		Password: c.Password,
		URL:      c.URL,
		Notes:    c.Notes,
		Tags:     c.Tag,
		GroupID:  groupID,
	}
}

// ImportResult contains the results of a parse.
type ImportResult struct {
	// Credentials are the successfully parsed logins.
	Credentials []*ImportedCredential

	// Warnings are non-fatal issues encountered during parsing.
	Warnings []string

	// Skipped are items that were skipped with reasons.
	Skipped []SkippedItem
}

// SkippedItem represents an item that was skipped during import.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Parser is the interface for export format parsers.
type Parser interface {
	// Parse parses the input data and returns imported credentials.
	Parse(data []byte, opts ParseOptions) (*ImportResult, error)

	// Source returns the source type for this parser.
	Source() Source
}

// ParseOptions contains options for parsing.
type ParseOptions struct {
	// DefaultUsername is used for logins exported without a username.
	// When empty such logins are skipped.
	DefaultUsername string

	// Tag replaces the tag of every imported credential when set.
	Tag string
}

// Skip reasons.
const (
	reasonNoPassword  = "no password"
	reasonNoUsername  = "no username"
	reasonUnsupported = "not a login"
)

func newResult() *ImportResult {
	return &ImportResult{
		Credentials: make([]*ImportedCredential, 0),
		Warnings:    make([]string, 0),
		Skipped:     make([]SkippedItem, 0),
	}
}

// add validates a parsed login and appends it to r, or records why it was
// skipped. It returns a warning for data that had to be dropped or cut.
func (r *ImportResult) add(c *ImportedCredential, opts ParseOptions, counter *int) string {
	if c.Password == "" {
		r.Skipped = append(r.Skipped, SkippedItem{OriginalName: c.OriginalName, Reason: reasonNoPassword})
		return ""
	}
	if c.Username == "" {
		if opts.DefaultUsername == "" {
			r.Skipped = append(r.Skipped, SkippedItem{OriginalName: c.OriginalName, Reason: reasonNoUsername})
			return ""
		}
		c.Username = opts.DefaultUsername
	}

	var warnings []string

	c.Title = NormalizeTitle(c.OriginalName)
	if c.Title == "" {
		c.Title = NormalizeTitle(GenerateFallbackTitle(c.URL, *counter))
		*counter++
	}
	if c.Group != "" {
		c.Group = NormalizeTitle(c.Group)
	}

	if opts.Tag != "" {
		c.Tag = opts.Tag
	}
	tag, dropped := SingleTag(c.Tag)
	c.Tag = tag
	if dropped > 0 {
		warnings = append(warnings, fmt.Sprintf("%d extra tag(s) dropped", dropped))
	}

	if len(c.Notes) > vault.MaxNotesSize {
		c.Notes = truncateBytes(c.Notes, vault.MaxNotesSize)
		warnings = append(warnings, "notes truncated")
	}
	if len(c.URL) > vault.MaxURLLength {
		c.URL = ""
		warnings = append(warnings, "url dropped: too long")
	}

	r.Credentials = append(r.Credentials, c)
	return strings.Join(warnings, "; ")
}

// NormalizeTitle turns an item name into a vault title: trimmed, NFC
// normalized, control characters removed, and cut to vault.MaxTitleLength
// characters.
func NormalizeTitle(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = vault.NormalizeTitle(name)
	if utf8.RuneCountInString(name) > vault.MaxTitleLength {
		name = strings.TrimSpace(string([]rune(name)[:vault.MaxTitleLength]))
	}
	return name
}

// SingleTag reduces a tag list to its first non-empty value and reports how
// many others were dropped. Tags are cut to vault.MaxTagLength characters.
func SingleTag(tags string) (string, int) {
	var values []string
	for _, t := range strings.Split(tags, vault.TagDelimiter) {
		if t = strings.TrimSpace(t); t != "" {
			values = append(values, t)
		}
	}
	if len(values) == 0 {
		return "", 0
	}
	tag := values[0]
	if utf8.RuneCountInString(tag) > vault.MaxTagLength {
		tag = string([]rune(tag)[:vault.MaxTagLength])
	}
	return tag, len(values) - 1
}

// DeduplicateTitles ensures all titles are unique by appending suffixes
// (_1, _2, etc.).
func DeduplicateTitles(creds []*ImportedCredential) {
	seen := make(map[string]int)
	taken := make(map[string]bool, len(creds))
	for _, c := range creds {
		taken[c.Title] = true
	}

	for _, c := range creds {
		base := c.Title
		count := seen[base]
		seen[base] = count + 1
		if count == 0 {
			continue
		}
		for {
			candidate := fmt.Sprintf("%s_%d", base, count)
			if !taken[candidate] {
				c.Title = candidate
				taken[candidate] = true
				break
			}
			count++
		}
		seen[base] = count + 1
	}
}

// GenerateFallbackTitle generates a title when the original name is empty:
// the URL hostname when there is one, imported_item_N otherwise.
func GenerateFallbackTitle(url string, counter int) string {
	if url != "" {
		if hostname := extractHostname(url); hostname != "" {
			return hostname
		}
	}
	return fmt.Sprintf("imported_item_%d", counter)
}

// extractHostname extracts the hostname from a URL.
func extractHostname(urlStr string) string {
	urlStr = strings.TrimPrefix(urlStr, "https://")
	urlStr = strings.TrimPrefix(urlStr, "http://")

	if idx := strings.IndexAny(urlStr, "/?#"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.LastIndex(urlStr, "@"); idx != -1 {
		urlStr = urlStr[idx+1:]
	}
	if idx := strings.Index(urlStr, ":"); idx != -1 {
		urlStr = urlStr[:idx]
	}

	return strings.TrimPrefix(urlStr, "www.")
}

// DecodeHTMLEntities decodes common HTML entities found in LastPass exports.
func DecodeHTMLEntities(s string) string {
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&apos;", "'")
	// Last, so "&amp;lt;" decodes to "&lt;" and not "<".
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// IsEmptyOrWhitespace checks if a string is empty or contains only whitespace.
func IsEmptyOrWhitespace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// joinNotes joins non-empty note sections with blank lines.
func joinNotes(parts ...string) string {
	var out []string
	for _, p := range parts {
		if !IsEmptyOrWhitespace(p) {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns a list of valid source names.
func ValidSources() []string {
	return []string{
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}
