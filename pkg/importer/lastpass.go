package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// LastPassParser parses LastPass CSV export files:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names (header-based parsing).
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColTOTP     = "totp"
	lpColExtra    = "extra"
	lpColName     = "name"
	lpColGrouping = "grouping"
	lpColFav      = "fav"
)

// lpSecureNoteURL marks secure notes in LastPass exports.
const lpSecureNoteURL = "http://sn"

// Source returns the source type for this parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data.
func (p *LastPassParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	rows, err := readCSV(data, strings.ToLower)
	if err != nil {
		return nil, err
	}
	if !rows.has(lpColName) {
		return nil, fmt.Errorf("missing required column: %s", lpColName)
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
			return DecodeHTMLEntities(strings.TrimSpace(row.get(col)))
		}

		name := get(lpColName)
		url := get(lpColURL)
		if url == lpSecureNoteURL {
			result.Skipped = append(result.Skipped, SkippedItem{
				OriginalName: name,
				Reason:       reasonUnsupported + " (secure note)",
			})
			continue
		}

		cred := &ImportedCredential{
			OriginalName: name,
			Username:     get(lpColUsername),
			// Passwords are kept verbatim apart from entity decoding.
			Password: DecodeHTMLEntities(row.get(lpColPassword)),
			URL:      url,
			Notes:    get(lpColExtra),
			// Nested groupings ("Work\Email") are kept as one group title.
			Group: get(lpColGrouping),
		}
		if get(lpColFav) == "1" {
			cred.Tag = "favorite"
		}

		var notes []string
		if get(lpColTOTP) != "" {
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

// csvRows reads a CSV export with header-based column lookup.
type csvRows struct {
	reader *csv.Reader
	header []string
	index  map[string]int
	rowNum int
}

type csvRow struct {
	values []string
	index  map[string]int
}

// readCSV strips a UTF-8 BOM, reads the header and indexes its columns
// after applying key.
func readCSV(data []byte, key func(string) string) (*csvRows, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true // Handle malformed exports
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		index[key(strings.TrimSpace(col))] = i
	}
	return &csvRows{reader: reader, header: header, index: index, rowNum: 1}, nil
}

func (r *csvRows) has(col string) bool {
	_, ok := r.index[col]
	return ok
}

// next returns the next row and its 1-based line number. Malformed rows
// return an error; io.EOF ends the input.
func (r *csvRows) next() (csvRow, int, error) {
	r.rowNum++
	values, err := r.reader.Read()
	if err == io.EOF {
		return csvRow{}, r.rowNum, io.EOF
	}
	if err != nil {
		return csvRow{}, r.rowNum, fmt.Errorf("failed to parse: %w", err)
	}
	if len(values) != len(r.header) {
		return csvRow{}, r.rowNum, fmt.Errorf("column count mismatch (expected %d, got %d)",
			len(r.header), len(values))
	}
	return csvRow{values: values, index: r.index}, r.rowNum, nil
}

func (row csvRow) get(col string) string {
	if idx, ok := row.index[col]; ok && idx < len(row.values) {
		return row.values[idx]
	}
	return ""
}
