package importer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BitwardenParser parses Bitwarden JSON export files. Only login items
// become credentials; notes, cards and identities are skipped.
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

// Bitwarden custom field types.
const (
	bitwardenFieldText    = 0
	bitwardenFieldHidden  = 1
	bitwardenFieldBoolean = 2
)

// bitwardenExport represents the top-level Bitwarden export structure.
type bitwardenExport struct {
	Encrypted   bool                  `json:"encrypted"`
	Items       []bitwardenItem       `json:"items"`
	Folders     []bitwardenFolder     `json:"folders"`
	Collections []bitwardenCollection `json:"collections"`
}

type bitwardenFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type bitwardenItem struct {
	Type          int                    `json:"type"`
	Name          string                 `json:"name"`
	Notes         string                 `json:"notes"`
	Favorite      bool                   `json:"favorite"`
	FolderID      *string                `json:"folderId"`
	CollectionIDs []string               `json:"collectionIds"`
	Login         *bitwardenLogin        `json:"login"`
	Fields        []bitwardenCustomField `json:"fields"`
}

type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

type bitwardenCustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  int    `json:"type"`
}

// Source returns the source type for this parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses Bitwarden JSON data.
func (p *BitwardenParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("encrypted Bitwarden exports are not supported: export as unencrypted JSON")
	}

	folders := make(map[string]string, len(export.Folders))
	for _, f := range export.Folders {
		folders[f.ID] = f.Name
	}
	collections := make(map[string]string, len(export.Collections))
	for _, c := range export.Collections {
		collections[c.ID] = c.Name
	}

	result := newResult()
	itemCounter := 1

	for i := range export.Items {
		item := &export.Items[i]
		if item.Type != bitwardenTypeLogin {
			result.Skipped = append(result.Skipped, SkippedItem{
				OriginalName: item.Name,
				Reason:       reasonUnsupported + " (" + bitwardenTypeName(item.Type) + ")",
			})
			continue
		}

		cred, dropped := p.parseLogin(item, folders, collections)
		warning := result.add(cred, opts, &itemCounter)
		if warning != "" {
			dropped = append(dropped, warning)
		}
		if len(dropped) > 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("item %d (%s): %s", i+1, item.Name, strings.Join(dropped, "; ")))
		}
	}

	DeduplicateTitles(result.Credentials)
	return result, nil
}

// parseLogin maps a login item. Secondary URIs and visible custom fields are
// kept in the notes; the returned strings describe data that was dropped.
func (p *BitwardenParser) parseLogin(item *bitwardenItem, folders, collections map[string]string) (*ImportedCredential, []string) {
	cred := &ImportedCredential{OriginalName: item.Name}
	var dropped []string
	var extra []string

	if login := item.Login; login != nil {
		cred.Username = strings.TrimSpace(login.Username)
		cred.Password = login.Password

		for i, u := range login.URIs {
			if u.URI == "" {
				continue
			}
			if i == 0 {
				cred.URL = u.URI
				continue
			}
			extra = append(extra, fmt.Sprintf("url_%d: %s", i+1, u.URI))
		}

		if login.TOTP != "" {
			dropped = append(dropped, "TOTP seed not imported")
		}
	}

	hidden := 0
	for _, cf := range item.Fields {
		switch cf.Type {
		case bitwardenFieldText, bitwardenFieldBoolean:
			name := cf.Name
			if name == "" {
				name = "custom_field"
			}
			extra = append(extra, name+": "+cf.Value)
		case bitwardenFieldHidden:
			hidden++
		}
	}
	if hidden > 0 {
		dropped = append(dropped, fmt.Sprintf("%d hidden field(s) not imported", hidden))
	}

	if len(extra) > 0 {
		cred.Notes = joinNotes(item.Notes, strings.Join(extra, "\n"))
	} else {
		cred.Notes = item.Notes
	}

	if item.FolderID != nil {
		cred.Group = folders[*item.FolderID]
	}
	// Organization exports carry collections instead of folders.
	if cred.Group == "" {
		for _, id := range item.CollectionIDs {
			if name := collections[id]; name != "" {
				cred.Group = name
				break
			}
		}
	}
	if item.Favorite {
		cred.Tag = "favorite"
	}

	return cred, dropped
}

func bitwardenTypeName(t int) string {
	switch t {
	case bitwardenTypeSecureNote:
		return "secure note"
	case bitwardenTypeCard:
		return "card"
	case bitwardenTypeIdentity:
		return "identity"
	default:
		return fmt.Sprintf("type %d", t)
	}
}
