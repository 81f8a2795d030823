// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path"
	"strings"
)

// hasGlob reports whether pattern uses glob syntax.
func hasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[")
}

// Match filters titles by a glob pattern (path.Match syntax, so * does not
// cross a slash). Matching ignores case when fold is set. An empty result
// is not an error.
func Match(pattern string, titles []string, fold bool) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}
	p := pattern
	if fold {
		p = strings.ToLower(p)
	}

	var matches []string
	for _, title := range titles {
		t := title
		if fold {
			t = strings.ToLower(t)
		}
		matched, err := path.Match(p, t)
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, title)
		}
	}
	return matches, nil
}

// ExpandPattern expands a glob pattern against available titles.
// If the pattern contains glob characters (*?[), it performs glob matching.
// Otherwise, it performs exact matching.
func ExpandPattern(pattern string, titles []string) ([]string, error) {
	if !hasGlob(pattern) {
		for _, title := range titles {
			if title == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("credential '%s' not found", pattern)
	}

	matches, err := Match(pattern, titles, false)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no credentials match pattern '%s'", pattern)
	}
	return matches, nil
}

// ExpandPatterns expands multiple glob patterns against available titles.
// Returns unique matching titles preserving order of first match.
func ExpandPatterns(patterns []string, titles []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := ExpandPattern(pattern, titles)
		if err != nil {
			return nil, err
		}
		for _, title := range matches {
			if !seen[title] {
				seen[title] = true
				result = append(result, title)
			}
		}
	}

	return result, nil
}
