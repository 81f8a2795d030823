// Package audit keeps an append-only, tamper-evident log of mutations.
//
// Entries are appended inside the same transaction as the mutation they
// describe, so a mutation and its entry commit or roll back together. Each
// entry carries a sequence number and the MAC of its predecessor; the first
// entry chains from "genesis". Vault trails are keyed with a MAC key derived
// from the vault data key; the registry trail uses plain SHA-256.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/hkdf"
)

// Tables that hold audit trails.
const (
	VaultTable    = "auditlog"
	RegistryTable = "global_auditlog"
)

// Vault row actions.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Registry actions.
const (
	ActionAdminSetup        = "ADMIN_SETUP"
	ActionVaultCreate       = "VAULT_CREATE"
	ActionVaultUnlock       = "VAULT_UNLOCK"
	ActionVaultUnlockFailed = "VAULT_UNLOCK_FAILED"
	ActionSecretRotate      = "SECRET_ROTATE"
	ActionVaultDestroy      = "VAULT_DESTROY"
	ActionVaultRestore      = "VAULT_RESTORE"
	ActionAuditPurge        = "AUDIT_PURGE"
)

const genesis = "genesis"

// hkdfInfo separates the audit MAC key from other uses of the vault key.
var hkdfInfo = []byte("credvault-audit-v1")

var (
	// ErrUnknownTable is returned for tables that do not hold a trail.
	ErrUnknownTable = errors.New("audit: unknown audit table")

	// ErrEmptyAction is returned when appending an entry without an action.
	ErrEmptyAction = errors.New("audit: action type is required")
)

// Entry is one audit record.
type Entry struct {
	ID         int64     `db:"log_id" json:"log_id"`
	EventID    string    `db:"event_id" json:"event_id"`
	ActionType string    `db:"action_type" json:"action_type"`
	ActionTime time.Time `db:"action_time" json:"action_time"`
	Details    string    `db:"details" json:"details"`
	Seq        int64     `db:"seq" json:"seq"`
	PrevHash   string    `db:"prev_hash" json:"prev_hash"`
	HMAC       string    `db:"hmac" json:"hmac"`
}

// Filter narrows List results. Zero fields do not filter.
type Filter struct {
	ActionType string
	Since      time.Time
	Until      time.Time
	Limit      int // most recent N entries
}

// VerifyResult contains the result of chain verification.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Trail reads and appends entries in one audit table.
type Trail struct {
	table string
	key   []byte
	now   func() time.Time
}

// NewTrail returns a trail over table. A non-nil masterKey switches entry
// authentication from SHA-256 to HMAC-SHA256 under a key derived from it.
func NewTrail(table string, masterKey []byte) (*Trail, error) {
	if table != VaultTable && table != RegistryTable {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	t := &Trail{table: table, now: time.Now}
	if masterKey != nil {
		t.key = make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, hkdfInfo), t.key); err != nil {
			return nil, fmt.Errorf("audit: failed to derive HMAC key: %w", err)
		}
	}
	return t, nil
}

// Table returns the table the trail writes to.
func (t *Trail) Table() string { return t.table }

// Append adds one entry inside tx. The caller's transaction decides whether
// the entry persists.
func (t *Trail) Append(ctx context.Context, tx *sqlx.Tx, action, details string) (*Entry, error) {
	if strings.TrimSpace(action) == "" {
		return nil, ErrEmptyAction
	}

	var last struct {
		Seq  int64  `db:"seq"`
		HMAC string `db:"hmac"`
	}
	err := tx.GetContext(ctx, &last, fmt.Sprintf(`SELECT seq, hmac FROM %s ORDER BY seq DESC LIMIT 1`, t.table))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		last.HMAC = genesis
	case err != nil:
		return nil, fmt.Errorf("audit: failed to read chain head: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("audit: failed to generate event id: %w", err)
	}

	e := &Entry{
		EventID:    id.String(),
		ActionType: action,
		ActionTime: t.now().UTC(),
		Details:    details,
		Seq:        last.Seq + 1,
		PrevHash:   last.HMAC,
	}
	e.HMAC = t.sign(e)

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (event_id, action_type, action_time, details, seq, prev_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, t.table),
		e.EventID, e.ActionType, e.ActionTime, e.Details, e.Seq, e.PrevHash, e.HMAC)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to append entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("audit: failed to read entry id: %w", err)
	}
	return e, nil
}

// List returns entries matching f in chain order.
func (t *Trail) List(ctx context.Context, q sqlx.QueryerContext, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, f.ActionType)
	}
	if !f.Since.IsZero() {
		where = append(where, "action_time >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		where = append(where, "action_time <= ?")
		args = append(args, f.Until.UTC())
	}

	query := fmt.Sprintf(`SELECT log_id, event_id, action_type, action_time, details, seq, prev_hash, hmac FROM %s`, t.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var entries []Entry
	if err := sqlx.SelectContext(ctx, q, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("audit: failed to list entries: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Count returns the number of entries in the trail.
func (t *Trail) Count(ctx context.Context, q sqlx.QueryerContext) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, q, &n, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, t.table)); err != nil {
		return 0, fmt.Errorf("audit: failed to count entries: %w", err)
	}
	return n, nil
}

// Verify walks the whole trail checking sequence numbers, chain links and
// entry MACs.
func (t *Trail) Verify(ctx context.Context, q sqlx.QueryerContext) (*VerifyResult, error) {
	entries, err := t.List(ctx, q, Filter{})
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true, RecordsTotal: len(entries)}
	expectedPrev := genesis
	expectedSeq := int64(1)

	for i := range entries {
		e := &entries[i]
		if e.Seq != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at entry %d: expected %d, got %d", e.ID, expectedSeq, e.Seq))
		}
		if e.PrevHash != expectedPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at entry %d: previous hash does not match", e.ID))
		}
		if !hmac.Equal([]byte(e.HMAC), []byte(t.sign(e))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"MAC mismatch at entry %d: possible tampering", e.ID))
		} else {
			result.RecordsVerified++
		}
		expectedPrev = e.HMAC
		expectedSeq = e.Seq + 1
	}
	return result, nil
}

// Purge deletes every entry. It is the only way entries are removed; the
// next append starts a new chain.
func (t *Trail) Purge(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, t.table))
	if err != nil {
		return 0, fmt.Errorf("audit: failed to purge entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: failed to count purged entries: %w", err)
	}
	return n, nil
}

func (t *Trail) sign(e *Entry) string {
	var h hash.Hash
	if t.key != nil {
		h = hmac.New(sha256.New, t.key)
	} else {
		h = sha256.New()
	}
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s",
		e.Seq, e.EventID, e.ActionType, e.ActionTime.UTC().Format(time.RFC3339Nano), e.Details, e.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}
