package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/storage"
)

// Group organizes credentials. A credential belongs to at most one group.
type Group struct {
	ID       int64     `db:"group_id" json:"id"`
	Title    string    `db:"title" json:"title"`
	Created  time.Time `db:"created" json:"created"`
	Modified time.Time `db:"modified" json:"modified"`
	Accessed time.Time `db:"accessed" json:"accessed"`
}

// GroupSummary is a group with the number of credentials assigned to it.
type GroupSummary struct {
	ID              int64  `db:"group_id" json:"id"`
	Title           string `db:"title" json:"title"`
	CredentialCount int    `db:"credential_count" json:"credential_count"`
}

// GroupStore reads and writes the groups of an unlocked vault.
type GroupStore struct {
	s *Session
}

func normalizeGroupTitle(title string) (string, error) {
	title = NormalizeTitle(title)
	if err := validateTitle(title); err != nil {
		return "", err
	}
	return title, nil
}

// Create adds a group and returns its id.
func (g *GroupStore) Create(ctx context.Context, title string) (int64, error) {
	title, err := normalizeGroupTitle(title)
	if err != nil {
		return 0, err
	}

	var id int64
	err = g.s.write(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) ([]change, error) {
		now := g.s.svc.now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO groups (title, created, modified, accessed) VALUES (?, ?, ?, ?)`,
			title, now, now, now)
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return nil, ErrDuplicateGroup
			}
			return nil, fmt.Errorf("vault: failed to create group: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("vault: failed to read group id: %w", err)
		}
		return []change{{audit.ActionInsert, "Inserted group: " + title}}, nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// List returns every group with its credential count, ordered by title.
func (g *GroupStore) List(ctx context.Context) ([]GroupSummary, error) {
	var groups []GroupSummary
	err := g.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) error {
		err := tx.SelectContext(ctx, &groups, `
			SELECT g.group_id, g.title, COUNT(c.cred_id) AS credential_count
			FROM groups g
			LEFT JOIN credentials c ON c.group_id = g.group_id
			GROUP BY g.group_id, g.title
			ORDER BY g.title`)
		if err != nil {
			return fmt.Errorf("vault: failed to list groups: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// Get returns the group with the given id.
func (g *GroupStore) Get(ctx context.Context, id int64) (*Group, error) {
	var group Group
	err := g.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) error {
		err := tx.GetContext(ctx, &group,
			`SELECT group_id, title, created, modified, accessed FROM groups WHERE group_id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: group %d", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("vault: failed to get group: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// IDByTitle returns the id of the group with the given title.
func (g *GroupStore) IDByTitle(ctx context.Context, title string) (int64, error) {
	title = NormalizeTitle(title)
	var id int64
	err := g.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) error {
		err := tx.GetContext(ctx, &id, `SELECT group_id FROM groups WHERE title = ?`, title)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: group %q", ErrNotFound, title)
		}
		if err != nil {
			return fmt.Errorf("vault: failed to look up group: %w", err)
		}
		return nil
	})
	return id, err
}

// Rename changes the title of a group.
func (g *GroupStore) Rename(ctx context.Context, id int64, newTitle string) error {
	newTitle, err := normalizeGroupTitle(newTitle)
	if err != nil {
		return err
	}
	return g.s.write(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) ([]change, error) {
		old, err := groupTitle(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE groups SET title = ?, modified = ? WHERE group_id = ?`,
			newTitle, g.s.svc.now().UTC(), id)
		if err != nil {
			if storage.IsUniqueViolation(err) {
				return nil, ErrDuplicateGroup
			}
			return nil, fmt.Errorf("vault: failed to rename group: %w", err)
		}
		return []change{{audit.ActionUpdate, "Updated group: " + old}}, nil
	})
}

// Delete removes a group. Its credentials are detached (group_id set to
// null) in the same transaction, each detachment logged as a credential
// update.
func (g *GroupStore) Delete(ctx context.Context, id int64) error {
	return g.s.write(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) ([]change, error) {
		title, err := groupTitle(ctx, tx, id)
		if err != nil {
			return nil, err
		}

		var members []string
		if err := tx.SelectContext(ctx, &members,
			`SELECT title FROM credentials WHERE group_id = ? ORDER BY title`, id); err != nil {
			return nil, fmt.Errorf("vault: failed to list group members: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credentials SET group_id = NULL, updated_at = ? WHERE group_id = ?`,
			g.s.svc.now().UTC(), id); err != nil {
			return nil, fmt.Errorf("vault: failed to detach credentials: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE group_id = ?`, id); err != nil {
			return nil, fmt.Errorf("vault: failed to delete group: %w", err)
		}

		changes := make([]change, 0, len(members)+1)
		for _, m := range members {
			changes = append(changes, change{audit.ActionUpdate, "Updated credential: " + m})
		}
		return append(changes, change{audit.ActionDelete, "Deleted group: " + title}), nil
	})
}

func groupTitle(ctx context.Context, tx *sqlx.Tx, id int64) (string, error) {
	var title string
	err := tx.GetContext(ctx, &title, `SELECT title FROM groups WHERE group_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: group %d", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("vault: failed to get group: %w", err)
	}
	return title, nil
}
