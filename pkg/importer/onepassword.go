package importer

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// OnePasswordParser parses 1Password CSV export files (9 columns):
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

// 1Password CSV column names (header-based parsing).
const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColPassword = "Password"
	op1ColOTPAuth  = "OTPAuth"
	op1ColFavorite = "Favorite"
	op1ColArchived = "Archived"
	op1ColTags     = "Tags"
	op1ColNotes    = "Notes"
)

// Source returns the source type for this parser.
func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse parses 1Password CSV data. Archived items are skipped.
func (p *OnePasswordParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	rows, err := readCSV(data, func(s string) string { return s })
	if err != nil {
		return nil, err
	}
	if !rows.has(op1ColTitle) {
		return nil, fmt.Errorf("missing required column: %s", op1ColTitle)
	}

	result := newResult()
	itemCounter := 1

	for {
		row, rowNum, err := rows.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}

		get := func(col string) string {
			return strings.TrimSpace(row.get(col))
		}

		title := get(op1ColTitle)
		if isTrue(get(op1ColArchived)) {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: title, Reason: "archived"})
			continue
		}

		cred := &ImportedCredential{
			OriginalName: title,
			Username:     get(op1ColUsername),
			Password:     row.get(op1ColPassword),
			URL:          get(op1ColWebsite),
			Notes:        get(op1ColNotes),
			Tag:          get(op1ColTags),
		}
		if cred.Tag == "" && isTrue(get(op1ColFavorite)) {
			cred.Tag = "favorite"
		}

		var notes []string
		if get(op1ColOTPAuth) != "" {
			notes = append(notes, "TOTP seed not imported")
		}
		if w := result.add(cred, opts, &itemCounter); w != "" {
			notes = append(notes, w)
		}
		if len(notes) > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("row %d: %s", rowNum, strings.Join(notes, "; ")))
		}
	}

	DeduplicateTitles(result.Credentials)
	return result, nil
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	}
	return false
}
