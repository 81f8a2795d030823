package password

import (
	"fmt"
	"strings"
	"unicode"
)

// Vault and admin secret length limits.
const (
	MinSecretLength = 8
	MaxSecretLength = 128
)

// Strength is the estimated strength of a secret.
type Strength int

const (
	Weak Strength = iota
	Fair
	Good
	Strong
)

// String returns a human-readable representation of the strength.
func (s Strength) String() string {
	switch s {
	case Weak:
		return "weak"
	case Fair:
		return "fair"
	case Good:
		return "good"
	case Strong:
		return "strong"
	default:
		return "unknown"
	}
}

// ValidationResult is the outcome of ValidateSecret. Only length is a hard
// requirement; complexity produces warnings.
type ValidationResult struct {
	Valid    bool
	Strength Strength
	Warnings []string
}

// Err returns a non-nil error describing why the secret was rejected.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("password: %s", strings.Join(r.Warnings, "; "))
}

// ValidateSecret checks a vault or admin secret.
func ValidateSecret(secret string) *ValidationResult {
	n := len([]rune(secret))
	if n < MinSecretLength {
		return &ValidationResult{Strength: Weak, Warnings: []string{
			fmt.Sprintf("secret must be at least %d characters", MinSecretLength)}}
	}
	if n > MaxSecretLength {
		return &ValidationResult{Strength: Weak, Warnings: []string{
			fmt.Sprintf("secret must be at most %d characters", MaxSecretLength)}}
	}

	result := &ValidationResult{Valid: true}
	complexity := classCount(secret)
	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if n < 12 {
		result.Warnings = append(result.Warnings,
			"longer secrets (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && n >= 16:
		result.Strength = Strong
	case complexity >= 2 && n >= 12:
		result.Strength = Good
	case complexity >= 2 || n >= 12:
		result.Strength = Fair
	default:
		result.Strength = Weak
	}
	return result
}

func classCount(s string) int {
	var upper, lower, digit, other bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			other = true
		}
	}
	n := 0
	for _, b := range []bool{upper, lower, digit, other} {
		if b {
			n++
		}
	}
	return n
}
