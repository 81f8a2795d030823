// Package security analyses the credentials of an unlocked vault for weak,
// reused, stale and expiring passwords.
package security

import (
	"strings"
	"unicode/utf8"
)

// PasswordStrength represents the strength level of a password or API key.
type PasswordStrength int

const (
	// PasswordWeak is shorter than 8 characters (16 for keys and tokens).
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Points returns the strength component points: Weak=0, Fair=8, Good=17,
// Strong=25.
func (s PasswordStrength) Points() int {
	switch s {
	case PasswordFair:
		return 8
	case PasswordGood:
		return 17
	case PasswordStrong:
		return 25
	default:
		return 0
	}
}

// machineTags mark credentials whose password is a generated key or token.
var machineTags = []string{"api_key", "apikey", "token"}

// IsMachineCredential reports whether tag marks the password as an API key
// or token rather than a human-chosen password.
func IsMachineCredential(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range machineTags {
		if tag == t {
			return true
		}
	}
	return false
}

// CalculateStrength rates a credential password. Keys and tokens (by tag)
// are rated by entropy-equivalent length, passwords by NIST length-first
// rules.
func CalculateStrength(password, tag string) PasswordStrength {
	if IsMachineCredential(tag) {
		return calculateAPIKeyStrength(password)
	}
	return calculatePasswordStrength(password)
}

// NIST SP 800-63B: length is the primary factor; composition rules are
// discouraged.
func calculatePasswordStrength(value string) PasswordStrength {
	length := utf8.RuneCountInString(value)

	switch {
	case length >= 20:
		return PasswordStrong
	case length >= 14:
		return PasswordGood
	case length >= 8:
		return PasswordFair
	default:
		return PasswordWeak
	}
}

// For random strings length tracks entropy: 32+ chars is ~128 bits for
// alphanumerics.
func calculateAPIKeyStrength(value string) PasswordStrength {
	length := utf8.RuneCountInString(value)

	switch {
	case length >= 32:
		return PasswordStrong
	case length >= 20:
		return PasswordGood
	case length >= 16:
		return PasswordFair
	default:
		return PasswordWeak
	}
}
