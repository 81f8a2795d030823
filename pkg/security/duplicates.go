package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/credvault/pkg/vault"
)

// DuplicateGroup is a set of credentials sharing one password.
type DuplicateGroup struct {
	Titles []string `json:"titles,omitempty"`
	Count  int      `json:"count"`
}

// FindDuplicates groups credentials by password. Passwords are compared as
// HMAC-SHA256 digests under key, which should be random per run and never
// persisted. Groups are ordered by size, largest first.
func FindDuplicates(creds []*vault.Credential, key []byte) []DuplicateGroup {
	byHash := make(map[string][]string)
	for _, c := range creds {
		value := normalizeValue(c.Password)
		if value == "" {
			continue
		}
		h := computeValueHash(value, key)
		byHash[h] = append(byHash[h], c.Title)
	}

	var groups []DuplicateGroup
	for _, titles := range byHash {
		if len(titles) < 2 {
			continue
		}
		sort.Strings(titles)
		groups = append(groups, DuplicateGroup{Titles: titles, Count: len(titles)})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Titles[0] < groups[j].Titles[0]
	})
	return groups
}

// uniqueCount returns the number of distinct non-empty passwords and the
// number of non-empty passwords.
func uniqueCount(creds []*vault.Credential, key []byte) (unique, total int) {
	seen := make(map[string]bool)
	for _, c := range creds {
		value := normalizeValue(c.Password)
		if value == "" {
			continue
		}
		total++
		seen[computeValueHash(value, key)] = true
	}
	return len(seen), total
}

func computeValueHash(value string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeValue trims surrounding whitespace and applies NFC so visually
// identical passwords compare equal.
func normalizeValue(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}
