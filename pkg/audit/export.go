package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export renders entries as a JSON array or as CSV.
func Export(entries []Entry, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		if entries == nil {
			entries = []Entry{}
		}
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return formatCSV(entries), nil
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

func formatCSV(entries []Entry) []byte {
	var b strings.Builder
	b.WriteString("log_id,seq,action_time,action_type,details\n")
	for _, e := range entries {
		b.WriteString(strings.Join([]string{
			strconv.FormatInt(e.ID, 10),
			strconv.FormatInt(e.Seq, 10),
			e.ActionTime.UTC().Format(time.RFC3339),
			csvEscape(e.ActionType),
			csvEscape(e.Details),
		}, ","))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// csvEscape quotes a field when it contains separators, and also when it
// starts with a spreadsheet formula character.
func csvEscape(field string) string {
	if field == "" {
		return field
	}

	needsQuoting := strings.ContainsAny(field[:1], "=+-@") ||
		strings.ContainsAny(field, ",\"\n\r")
	if !needsQuoting {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
