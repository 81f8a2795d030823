package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/forest6511/credvault/pkg/vault"
)

// ConflictMode decides what Apply does with a credential whose title is
// already in the vault.
type ConflictMode string

const (
	ConflictSkip      ConflictMode = "skip"
	ConflictOverwrite ConflictMode = "overwrite"
	ConflictError     ConflictMode = "error"
)

// ErrConflict is returned by Apply in ConflictError mode when any imported
// title already exists. Nothing is written in that case.
var ErrConflict = errors.New("importer: title already exists in vault")

// ParseConflictMode validates a conflict mode name.
func ParseConflictMode(s string) (ConflictMode, error) {
	switch m := ConflictMode(strings.ToLower(s)); m {
	case ConflictSkip, ConflictOverwrite, ConflictError:
		return m, nil
	}
	return "", fmt.Errorf("invalid conflict mode %q: must be skip, overwrite or error", s)
}

// ApplySummary reports what Apply wrote.
type ApplySummary struct {
	Added         []string
	Overwritten   []string
	Skipped       []string
	GroupsCreated []string
	// Failed holds credentials the vault rejected, with the reason.
	Failed []SkippedItem
}

// Apply writes result to the vault behind s. Missing groups are created.
// Each credential is its own write, so a rejected credential does not undo
// the others; storage and lock failures stop the import.
func Apply(ctx context.Context, s *vault.Session, result *ImportResult, mode ConflictMode) (*ApplySummary, error) {
	if _, err := ParseConflictMode(string(mode)); err != nil {
		return nil, err
	}

	titles, err := s.Credentials().Titles(ctx)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(titles))
	for _, t := range titles {
		existing[t] = true
	}

	if mode == ConflictError {
		var conflicts []string
		for _, c := range result.Credentials {
			if existing[c.Title] {
				conflicts = append(conflicts, c.Title)
			}
		}
		if len(conflicts) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrConflict, strings.Join(conflicts, ", "))
		}
	}

	groups, err := groupIndex(ctx, s)
	if err != nil {
		return nil, err
	}

	summary := &ApplySummary{}
	for _, c := range result.Credentials {
		exists := existing[c.Title]
		if exists && mode == ConflictSkip {
			summary.Skipped = append(summary.Skipped, c.Title)
			continue
		}

		groupID, err := ensureGroup(ctx, s, groups, c.Group, summary)
		if err != nil {
			if fatal(err) {
				return summary, err
			}
			summary.Failed = append(summary.Failed, SkippedItem{OriginalName: c.OriginalName, Reason: err.Error()})
			continue
		}

		if exists {
			_, err = s.Credentials().Modify(ctx, c.Title, c.Input(groupID))
		} else {
			_, err = s.Credentials().Add(ctx, c.Input(groupID))
		}
		if err != nil {
			if fatal(err) {
				return summary, err
			}
			summary.Failed = append(summary.Failed, SkippedItem{OriginalName: c.OriginalName, Reason: err.Error()})
			continue
		}

		if exists {
			summary.Overwritten = append(summary.Overwritten, c.Title)
		} else {
			summary.Added = append(summary.Added, c.Title)
			existing[c.Title] = true
		}
	}
	return summary, nil
}

func groupIndex(ctx context.Context, s *vault.Session) (map[string]int64, error) {
	list, err := s.Groups().List(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int64, len(list))
	for _, g := range list {
		index[g.Title] = g.ID
	}
	return index, nil
}

// ensureGroup returns the id of the group titled title, creating it when
// needed. An empty title files the credential ungrouped.
func ensureGroup(ctx context.Context, s *vault.Session, index map[string]int64, title string, summary *ApplySummary) (*int64, error) {
	if title == "" {
		return nil, nil
	}
	if id, ok := index[title]; ok {
		return &id, nil
	}

	id, err := s.Groups().Create(ctx, title)
	if errors.Is(err, vault.ErrDuplicateGroup) {
		id, err = s.Groups().IDByTitle(ctx, title)
	} else if err == nil {
		summary.GroupsCreated = append(summary.GroupsCreated, title)
	}
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", title, err)
	}
	index[title] = id
	return &id, nil
}

// fatal reports errors that will fail every remaining write.
func fatal(err error) bool {
	return errors.Is(err, vault.ErrLocked) ||
		errors.Is(err, vault.ErrStorageUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
