package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/storage"
)

// CredentialInput carries the fields of a credential to add or replace.
// Title, Username and Password are required. Optional strings are stored as
// given.
type CredentialInput struct {
	Title      string
	Username   string
	Password   string
	URL        string
	Notes      string
	Tags       string
	Expiration *time.Time
	GroupID    *int64
}

// Credential is a stored credential with its password decrypted.
type Credential struct {
	ID         int64      `json:"id"`
	Title      string     `json:"title"`
	Username   string     `json:"username"`
	Password   string     `json:"password,omitempty"`
	URL        string     `json:"url"`
	Notes      string     `json:"notes"`
	Tags       string     `json:"tags"`
	Expiration *time.Time `json:"expiration,omitempty"`
	GroupID    *int64     `json:"group_id,omitempty"`
	GroupTitle string     `json:"group,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type credentialRow struct {
	ID         int64          `db:"cred_id"`
	Title      string         `db:"title"`
	Username   string         `db:"username"`
	Password   []byte         `db:"password"`
	URL        string         `db:"url"`
	Notes      string         `db:"notes"`
	Tags       string         `db:"tags"`
	Expiration sql.NullTime   `db:"expiration"`
	GroupID    sql.NullInt64  `db:"group_id"`
	GroupTitle sql.NullString `db:"group_title"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

const selectCredentials = `
	SELECT c.cred_id, c.title, c.username, c.password, c.url, c.notes, c.tags,
		c.expiration, c.group_id, g.title AS group_title, c.created_at, c.updated_at
	FROM credentials c
	LEFT JOIN groups g ON g.group_id = c.group_id`

func (r *credentialRow) decode(dek []byte) (*Credential, error) {
	plain, err := crypto.Open(dek, r.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt credential %q: %w", ErrCorrupted, r.Title, err)
	}
	defer crypto.SecureWipe(plain)

	c := &Credential{
		ID:         r.ID,
		Title:      r.Title,
		Username:   r.Username,
		Password:   string(plain),
		URL:        r.URL,
		Notes:      r.Notes,
		Tags:       r.Tags,
		GroupTitle: r.GroupTitle.String,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Expiration.Valid {
		exp := r.Expiration.Time
		c.Expiration = &exp
	}
	if r.GroupID.Valid {
		id := r.GroupID.Int64
		c.GroupID = &id
	}
	return c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

// classifyWrite maps constraint violations from credential writes to vault
// errors.
func classifyWrite(err error, op string) error {
	switch {
	case storage.IsUniqueViolation(err):
		return ErrDuplicateTitle
	case storage.IsForeignKeyViolation(err):
		return ErrInvalidGroup
	case storage.IsCheckViolation(err):
		return ErrInvalidTags
	default:
		return fmt.Errorf("vault: failed to %s: %w", op, err)
	}
}

// CredentialStore reads and writes the credentials of an unlocked vault.
type CredentialStore struct {
	s *Session
}

// Add stores a new credential and returns it.
func (c *CredentialStore) Add(ctx context.Context, in CredentialInput) (*Credential, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var created *Credential
	err := c.s.write(ctx, func(ctx context.Context, tx *sqlx.Tx, dek []byte) ([]change, error) {
		if err := checkGroupRef(ctx, tx, in.GroupID); err != nil {
			return nil, err
		}
		sealed, err := crypto.Seal(dek, []byte(in.Password))
		if err != nil {
			return nil, fmt.Errorf("vault: failed to encrypt password: %w", err)
		}

		now := c.s.svc.now().UTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO credentials
				(title, username, password, url, notes, tags, expiration, group_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.Title, in.Username, sealed, in.URL, in.Notes, in.Tags,
			nullTime(in.Expiration), nullID(in.GroupID), now, now)
		if err != nil {
			return nil, classifyWrite(err, "add credential")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("vault: failed to read credential id: %w", err)
		}

		if created, err = getCredential(ctx, tx, dek, "c.cred_id = ?", id); err != nil {
			return nil, err
		}
		return []change{{audit.ActionInsert, "Inserted credential: " + in.Title}}, nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Get returns the credential with the given title.
func (c *CredentialStore) Get(ctx context.Context, title string) (*Credential, error) {
	var cred *Credential
	err := c.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, dek []byte) error {
		var err error
		cred, err = getCredential(ctx, tx, dek, "c.title = ?", NormalizeTitle(title))
		return err
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// Modify replaces every field of the credential titled title with in.
// Renaming onto an existing title fails with ErrDuplicateTitle and changes
// nothing.
func (c *CredentialStore) Modify(ctx context.Context, title string, in CredentialInput) (*Credential, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	title = NormalizeTitle(title)

	var updated *Credential
	err := c.s.write(ctx, func(ctx context.Context, tx *sqlx.Tx, dek []byte) ([]change, error) {
		var id int64
		err := tx.GetContext(ctx, &id, `SELECT cred_id FROM credentials WHERE title = ?`, title)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: credential %q", ErrNotFound, title)
		}
		if err != nil {
			return nil, fmt.Errorf("vault: failed to look up credential: %w", err)
		}
		if err := checkGroupRef(ctx, tx, in.GroupID); err != nil {
			return nil, err
		}

		sealed, err := crypto.Seal(dek, []byte(in.Password))
		if err != nil {
			return nil, fmt.Errorf("vault: failed to encrypt password: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE credentials
			SET title = ?, username = ?, password = ?, url = ?, notes = ?, tags = ?,
				expiration = ?, group_id = ?, updated_at = ?
			WHERE cred_id = ?`,
			in.Title, in.Username, sealed, in.URL, in.Notes, in.Tags,
			nullTime(in.Expiration), nullID(in.GroupID), c.s.svc.now().UTC(), id)
		if err != nil {
			return nil, classifyWrite(err, "modify credential")
		}

		if updated, err = getCredential(ctx, tx, dek, "c.cred_id = ?", id); err != nil {
			return nil, err
		}
		return []change{{audit.ActionUpdate, "Updated credential: " + title}}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove deletes the credential with the given title.
func (c *CredentialStore) Remove(ctx context.Context, title string) error {
	title = NormalizeTitle(title)
	return c.s.write(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) ([]change, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE title = ?`, title)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to remove credential: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("vault: failed to remove credential: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: credential %q", ErrNotFound, title)
		}
		return []change{{audit.ActionDelete, "Deleted credential: " + title}}, nil
	})
}

// List yields every credential ordered by title.
func (c *CredentialStore) List(ctx context.Context) iter.Seq2[*Credential, error] {
	return c.pages(ctx, nil, "")
}

// ListByGroup yields the credentials of a group ordered by title. An
// unknown group yields ErrNotFound.
func (c *CredentialStore) ListByGroup(ctx context.Context, groupID int64) iter.Seq2[*Credential, error] {
	check := func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := groupTitle(ctx, tx, groupID)
		return err
	}
	return c.pages(ctx, check, "c.group_id = ?", groupID)
}

// ListUngrouped yields credentials without a group ordered by title.
func (c *CredentialStore) ListUngrouped(ctx context.Context) iter.Seq2[*Credential, error] {
	return c.pages(ctx, nil, "c.group_id IS NULL")
}

// ListExpiring returns credentials whose expiration is before now+within,
// including already expired ones, soonest first.
func (c *CredentialStore) ListExpiring(ctx context.Context, within time.Duration) ([]*Credential, error) {
	deadline := c.s.svc.now().Add(within).UTC()

	var creds []*Credential
	err := c.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, dek []byte) error {
		var rows []credentialRow
		err := tx.SelectContext(ctx, &rows, selectCredentials+`
			WHERE c.expiration IS NOT NULL AND c.expiration <= ?
			ORDER BY c.expiration, c.title`, deadline)
		if err != nil {
			return fmt.Errorf("vault: failed to list expiring credentials: %w", err)
		}
		creds, err = decodeRows(rows, dek)
		return err
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// Titles returns every credential title in order without decrypting
// anything.
func (c *CredentialStore) Titles(ctx context.Context) ([]string, error) {
	var titles []string
	err := c.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, _ []byte) error {
		if err := tx.SelectContext(ctx, &titles, `SELECT title FROM credentials ORDER BY title`); err != nil {
			return fmt.Errorf("vault: failed to list titles: %w", err)
		}
		return nil
	})
	return titles, err
}

// pages returns an iterator reading credentials in title order, one page per
// scope. Each range over the iterator starts again from the first title.
func (c *CredentialStore) pages(ctx context.Context, check func(context.Context, *sqlx.Tx) error, where string, args ...any) iter.Seq2[*Credential, error] {
	limit := c.s.svc.pageSize
	return func(yield func(*Credential, error) bool) {
		after, first := "", true
		for {
			var page []*Credential
			err := c.s.read(ctx, func(ctx context.Context, tx *sqlx.Tx, dek []byte) error {
				if first && check != nil {
					if err := check(ctx, tx); err != nil {
						return err
					}
				}

				query := selectCredentials + ` WHERE c.title > ?`
				if where != "" {
					query += " AND " + where
				}
				query += ` ORDER BY c.title LIMIT ?`

				params := append([]any{after}, args...)
				params = append(params, limit)

				var rows []credentialRow
				if err := tx.SelectContext(ctx, &rows, query, params...); err != nil {
					return fmt.Errorf("vault: failed to list credentials: %w", err)
				}
				var err error
				page, err = decodeRows(rows, dek)
				return err
			})
			if err != nil {
				yield(nil, err)
				return
			}

			for _, cred := range page {
				if !yield(cred, nil) {
					return
				}
			}
			if len(page) < limit {
				return
			}
			after, first = page[len(page)-1].Title, false
		}
	}
}

func getCredential(ctx context.Context, tx *sqlx.Tx, dek []byte, where string, arg any) (*Credential, error) {
	var row credentialRow
	err := tx.GetContext(ctx, &row, selectCredentials+" WHERE "+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: credential %v", ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to get credential: %w", err)
	}
	return row.decode(dek)
}

func decodeRows(rows []credentialRow, dek []byte) ([]*Credential, error) {
	creds := make([]*Credential, 0, len(rows))
	for i := range rows {
		c, err := rows[i].decode(dek)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// checkGroupRef returns ErrInvalidGroup when id names no group.
func checkGroupRef(ctx context.Context, tx *sqlx.Tx, id *int64) error {
	if id == nil {
		return nil
	}
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM groups WHERE group_id = ?`, *id); err != nil {
		return fmt.Errorf("vault: failed to check group: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrInvalidGroup, *id)
	}
	return nil
}
