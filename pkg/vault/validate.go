package vault

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Input limits.
const (
	MaxTitleLength  = 256       // runes, after normalisation
	MaxTagLength    = 64        // runes
	MaxURLLength    = 2048      // RFC 3986 practical limit
	MaxNotesSize    = 10 * 1024 // bytes
	MaxPasswordSize = 64 * 1024 // bytes
	TagDelimiter    = ","
)

// NormalizeTitle trims surrounding whitespace and applies Unicode NFC so that
// visually identical titles collide.
func NormalizeTitle(title string) string {
	return norm.NFC.String(strings.TrimSpace(title))
}

func validateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("%w: title", ErrMissingField)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	return nil
}

// validateTags rejects multi-valued tags. Tags hold one value; the
// delimiter is reserved for a future multi-tag encoding.
func validateTags(tags string) error {
	if strings.Contains(tags, TagDelimiter) {
		return ErrInvalidTags
	}
	if utf8.RuneCountInString(tags) > MaxTagLength {
		return ErrTagTooLong
	}
	return nil
}

// normalize validates in and rewrites its title in place.
func (in *CredentialInput) normalize() error {
	in.Title = NormalizeTitle(in.Title)
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	if in.Username == "" {
		return fmt.Errorf("%w: username", ErrMissingField)
	}
	if in.Password == "" {
		return fmt.Errorf("%w: password", ErrMissingField)
	}
	if len(in.Password) > MaxPasswordSize {
		return ErrPasswordTooBig
	}
	if len(in.URL) > MaxURLLength {
		return ErrURLTooLong
	}
	if len(in.Notes) > MaxNotesSize {
		return ErrNotesTooLarge
	}
	return validateTags(in.Tags)
}
