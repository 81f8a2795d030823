package main

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/password"
)

const (
	defaultPasswordCount = 1
	maxPasswordCount     = 100
	maxExcludeLength     = 256
)

// Generate command flags
var (
	generateLength      int
	generateCount       int
	generateNoSymbols   bool
	generateNoNumbers   bool
	generateNoUppercase bool
	generateNoLowercase bool
	generateExclude     string
	generateCopy        bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().IntVarP(&generateLength, "length", "l", password.DefaultLength, "Password length (8-256; default from config)")
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", defaultPasswordCount, "Number of passwords to generate (1-100)")
	generateCmd.Flags().BoolVar(&generateNoSymbols, "no-symbols", false, "Exclude symbols")
	generateCmd.Flags().BoolVar(&generateNoNumbers, "no-numbers", false, "Exclude numbers")
	generateCmd.Flags().BoolVar(&generateNoUppercase, "no-uppercase", false, "Exclude uppercase letters")
	generateCmd.Flags().BoolVar(&generateNoLowercase, "no-lowercase", false, "Exclude lowercase letters")
	generateCmd.Flags().StringVar(&generateExclude, "exclude", "", "Characters to exclude")
	generateCmd.Flags().BoolVarP(&generateCopy, "copy", "c", false, "Copy first password to clipboard (accessible to all processes)")
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate secure random passwords",
	Long: `Generate cryptographically secure random passwords. Every enabled
character class appears at least once.

Examples:
  # Generate a password of the configured length (24 by default)
  credvault generate

  # Generate a 32-character password without symbols
  credvault generate -l 32 --no-symbols

  # Generate 5 passwords
  credvault generate -n 5

  # Generate password excluding ambiguous characters
  credvault generate --exclude "0O1lI"`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNoStore: "true"},
	RunE:        executeGenerate,
}

func executeGenerate(cmd *cobra.Command, args []string) error {
	if !cmd.Flags().Changed("length") {
		generateLength = cfg.Generator.Length
	}
	if err := validateGenerateFlags(); err != nil {
		return err
	}

	opts := password.Options{
		Length:       generateLength,
		NoLowercase:  generateNoLowercase,
		NoUppercase:  generateNoUppercase,
		NoDigits:     generateNoNumbers,
		NoSymbols:    generateNoSymbols,
		ExcludeChars: generateExclude,
	}

	passwords := make([]string, generateCount)
	for i := range passwords {
		pw, err := password.GenerateWithOptions(opts)
		if err != nil {
			if errors.Is(err, password.ErrEmptyCharset) {
				return fmt.Errorf("character set is empty: adjust flags to include at least one character type")
			}
			return fmt.Errorf("failed to generate password: %w", err)
		}
		passwords[i] = pw
	}

	out := cmd.OutOrStdout()
	for _, pw := range passwords {
		fmt.Fprintln(out, pw)
	}

	if generateCopy {
		if err := copyToClipboard(passwords[0]); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to copy to clipboard: %v\n", err)
		} else {
			fmt.Fprintln(cmd.ErrOrStderr(), "Password copied to clipboard")
		}
	}
	return nil
}

// validateGenerateFlags validates the generate command flags
func validateGenerateFlags() error {
	if generateLength < password.MinLength {
		return fmt.Errorf("password length must be at least %d characters", password.MinLength)
	}
	if generateLength > password.MaxLength {
		return fmt.Errorf("password length must be at most %d characters", password.MaxLength)
	}
	if generateCount < 1 {
		return fmt.Errorf("count must be at least 1")
	}
	if generateCount > maxPasswordCount {
		return fmt.Errorf("count must be at most %d", maxPasswordCount)
	}
	if len(generateExclude) > maxExcludeLength {
		return fmt.Errorf("exclude string must be at most %d characters", maxExcludeLength)
	}
	return nil
}

// copyToClipboard copies text to the system clipboard
func copyToClipboard(text string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		if _, err := exec.LookPath("xclip"); err == nil {
			cmd = exec.Command("xclip", "-selection", "clipboard")
		} else if _, err := exec.LookPath("xsel"); err == nil {
			cmd = exec.Command("xsel", "--clipboard", "--input")
		} else if _, err := exec.LookPath("wl-copy"); err == nil {
			cmd = exec.Command("wl-copy")
		} else {
			return fmt.Errorf("clipboard tool not found: install xclip, xsel or wl-clipboard")
		}
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("clipboard not supported on %s", runtime.GOOS)
	}

	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}
