// Package password generates credential passwords and validates vault
// secrets.
package password

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Character classes.
const (
	Lowercase = "abcdefghijklmnopqrstuvwxyz"
	Uppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	Digits    = "0123456789"
	Symbols   = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// Length limits.
const (
	MinLength     = 8
	MaxLength     = 256
	DefaultLength = 24
)

var (
	// ErrLengthOutOfRange is returned by GenerateWithOptions for lengths
	// outside MinLength..MaxLength.
	ErrLengthOutOfRange = fmt.Errorf("password: length must be between %d and %d", MinLength, MaxLength)

	// ErrEmptyCharset is returned when options exclude every character.
	ErrEmptyCharset = errors.New("password: character set is empty")
)

// Generate returns a password of length characters (at least MinLength)
// containing at least one lowercase letter, uppercase letter, digit and
// symbol.
func Generate(length int) (string, error) {
	if length < MinLength {
		length = MinLength
	}
	return generate([]string{Lowercase, Uppercase, Digits, Symbols}, length)
}

// Options tune GenerateWithOptions.
type Options struct {
	Length       int
	NoLowercase  bool
	NoUppercase  bool
	NoDigits     bool
	NoSymbols    bool
	ExcludeChars string
}

// GenerateWithOptions returns a password with one character from each
// enabled class. Unlike Generate it rejects lengths out of range instead of
// clamping them.
func GenerateWithOptions(o Options) (string, error) {
	if o.Length < MinLength || o.Length > MaxLength {
		return "", ErrLengthOutOfRange
	}

	var classes []string
	for _, c := range []struct {
		off     bool
		charset string
	}{
		{o.NoLowercase, Lowercase},
		{o.NoUppercase, Uppercase},
		{o.NoDigits, Digits},
		{o.NoSymbols, Symbols},
	} {
		if c.off {
			continue
		}
		if set := removeChars(c.charset, o.ExcludeChars); set != "" {
			classes = append(classes, set)
		}
	}
	if len(classes) == 0 {
		return "", ErrEmptyCharset
	}
	return generate(classes, o.Length)
}

// generate draws one character from every class, fills the remainder from
// the union and shuffles the result.
func generate(classes []string, length int) (string, error) {
	if length < len(classes) {
		return "", ErrLengthOutOfRange
	}

	out := make([]byte, 0, length)
	for _, class := range classes {
		c, err := pick(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	all := strings.Join(classes, "")
	for len(out) < length {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	if err := shuffle(out); err != nil {
		return "", err
	}
	return string(out), nil
}

func pick(charset string) (byte, error) {
	idx, err := randInt(len(charset))
	if err != nil {
		return 0, err
	}
	return charset[idx], nil
}

// shuffle is a Fisher-Yates shuffle driven by crypto/rand.
func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return err
		}
		b[i], b[j] = b[j], b[i]
	}
	return nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("password: failed to generate random number: %w", err)
	}
	return int(v.Int64()), nil
}

func removeChars(s, chars string) string {
	if chars == "" {
		return s
	}
	var b strings.Builder
	for _, c := range s {
		if !strings.ContainsRune(chars, c) {
			b.WriteRune(c)
		}
	}
	return b.String()
}
