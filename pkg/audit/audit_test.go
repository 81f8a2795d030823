package audit

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/schema"
	"github.com/forest6511/credvault/pkg/storage"
)

// setupTrailDB creates a vault file with the audit table and returns a
// helper that runs fn in a scope on it.
func setupTrailDB(t *testing.T) func(fn storage.TxFunc) error {
	t.Helper()
	m := storage.NewManager()
	path := filepath.Join(t.TempDir(), "vault.db")
	err := m.Do(context.Background(), path, func(ctx context.Context, tx *sqlx.Tx) error {
		return schema.InitVault(ctx, tx, &schema.SecretRecord{
			Salt: []byte("salt"), KDFTime: 1, KDFMemory: 8 * 1024, KDFThreads: 1, WrappedDEK: []byte("dek"),
		})
	})
	if err != nil {
		t.Fatalf("InitVault failed: %v", err)
	}
	return func(fn storage.TxFunc) error {
		return m.Do(context.Background(), path, fn)
	}
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func appendN(t *testing.T, scope func(storage.TxFunc) error, trail *Trail, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := scope(func(ctx context.Context, tx *sqlx.Tx) error {
			_, err := trail.Append(ctx, tx, ActionInsert, "Inserted credential: entry")
			return err
		})
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
}

func TestNewTrail(t *testing.T) {
	if _, err := NewTrail("credentials", nil); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("NewTrail(credentials) error = %v, want %v", err, ErrUnknownTable)
	}

	trail, err := NewTrail(VaultTable, testKey())
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}
	if len(trail.key) != 32 {
		t.Errorf("expected derived key length 32, got %d", len(trail.key))
	}
	if string(trail.key) == string(testKey()) {
		t.Error("derived key must differ from the master key")
	}

	plain, err := NewTrail(RegistryTable, nil)
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}
	if plain.key != nil {
		t.Error("registry trail should be unkeyed")
	}
}

func TestAppendChain(t *testing.T) {
	scope := setupTrailDB(t)
	trail, err := NewTrail(VaultTable, testKey())
	if err != nil {
		t.Fatalf("NewTrail failed: %v", err)
	}

	var first, second *Entry
	err = scope(func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		if first, err = trail.Append(ctx, tx, ActionInsert, "Inserted credential: Gmail"); err != nil {
			return err
		}
		second, err = trail.Append(ctx, tx, ActionUpdate, "Updated credential: Gmail")
		return err
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if first.Seq != 1 || first.PrevHash != "genesis" {
		t.Errorf("first entry seq=%d prev=%s, want 1/genesis", first.Seq, first.PrevHash)
	}
	if second.Seq != 2 || second.PrevHash != first.HMAC {
		t.Errorf("second entry seq=%d prev=%s, want 2/%s", second.Seq, second.PrevHash, first.HMAC)
	}
	if first.EventID == "" || first.EventID == second.EventID {
		t.Error("event ids must be set and unique")
	}

	err = scope(func(ctx context.Context, tx *sqlx.Tx) error {
		entries, err := trail.List(ctx, tx, Filter{})
		if err != nil {
			return err
		}
		if len(entries) != 2 {
			t.Fatalf("expected 2 entries, got %d", len(entries))
		}
		if entries[0].ActionType != ActionInsert || entries[1].ActionType != ActionUpdate {
			t.Errorf("unexpected order: %s, %s", entries[0].ActionType, entries[1].ActionType)
		}
		if !entries[0].ActionTime.Equal(first.ActionTime) {
			t.Errorf("action time round trip: got %v, want %v", entries[0].ActionTime, first.ActionTime)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
}

func TestAppendRollsBackWithCaller(t *testing.T) {
	scope := setupTrailDB(t)
	trail, _ := NewTrail(VaultTable, testKey())
	errMutation := errors.New("mutation failed")

	err := scope(func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := trail.Append(ctx, tx, ActionDelete, "Deleted credential: x"); err != nil {
			return err
		}
		return errMutation
	})
	if !errors.Is(err, errMutation) {
		t.Fatalf("expected mutation error, got %v", err)
	}

	_ = scope(func(ctx context.Context, tx *sqlx.Tx) error {
		n, err := trail.Count(ctx, tx)
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 0 {
			t.Errorf("expected no entries after rollback, got %d", n)
		}
		return nil
	})
}

func TestAppendRequiresAction(t *testing.T) {
	scope := setupTrailDB(t)
	trail, _ := NewTrail(VaultTable, nil)
	err := scope(func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := trail.Append(ctx, tx, " ", "details")
		return err
	})
	if !errors.Is(err, ErrEmptyAction) {
		t.Errorf("expected ErrEmptyAction, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	scope := setupTrailDB(t)
	trail, _ := NewTrail(VaultTable, testKey())
	appendN(t, scope, trail, 5)

	verify := func(tr *Trail) *VerifyResult {
		t.Helper()
		var res *VerifyResult
		err := scope(func(ctx context.Context, tx *sqlx.Tx) error {
			var err error
			res, err = tr.Verify(ctx, tx)
			return err
		})
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		return res
	}

	res := verify(trail)
	if !res.Valid || res.RecordsTotal != 5 || res.RecordsVerified != 5 {
		t.Fatalf("expected valid chain of 5, got %+v", res)
	}

	otherKey, _ := NewTrail(VaultTable, []byte("some other vault key"))
	if verify(otherKey).Valid {
		t.Error("verification under a different key must fail")
	}
}

func TestTamperingDetection(t *testing.T) {
	tests := []struct {
		name   string
		tamper string
		want   string
	}{
		{"edited details", `UPDATE auditlog SET details = 'Inserted credential: forged' WHERE seq = 2`, "MAC mismatch"},
		{"deleted entry", `DELETE FROM auditlog WHERE seq = 2`, "sequence gap"},
		{"edited action", `UPDATE auditlog SET action_type = 'DELETE' WHERE seq = 3`, "MAC mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := setupTrailDB(t)
			trail, _ := NewTrail(VaultTable, testKey())
			appendN(t, scope, trail, 4)

			var res *VerifyResult
			err := scope(func(ctx context.Context, tx *sqlx.Tx) error {
				if _, err := tx.ExecContext(ctx, tt.tamper); err != nil {
					return err
				}
				var err error
				res, err = trail.Verify(ctx, tx)
				return err
			})
			if err != nil {
				t.Fatalf("scope failed: %v", err)
			}
			if res.Valid {
				t.Fatal("expected tampering to be detected")
			}
			if !strings.Contains(strings.Join(res.Errors, "\n"), tt.want) {
				t.Errorf("expected %q in errors, got %v", tt.want, res.Errors)
			}
		})
	}
}

func TestListFilter(t *testing.T) {
	scope := setupTrailDB(t)
	trail, _ := NewTrail(VaultTable, testKey())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	trail.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Hour)
	}

	actions := []string{ActionInsert, ActionInsert, ActionUpdate, ActionDelete, ActionInsert}
	err := scope(func(ctx context.Context, tx *sqlx.Tx) error {
		for _, a := range actions {
			if _, err := trail.Append(ctx, tx, a, a+" entry"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	tests := []struct {
		name    string
		filter  Filter
		wantSeq []int64
	}{
		{"all", Filter{}, []int64{1, 2, 3, 4, 5}},
		{"by action", Filter{ActionType: ActionInsert}, []int64{1, 2, 5}},
		{"limit keeps newest", Filter{Limit: 2}, []int64{4, 5}},
		{"since", Filter{Since: base.Add(3 * time.Hour)}, []int64{3, 4, 5}},
		{"until", Filter{Until: base.Add(2 * time.Hour)}, []int64{1, 2}},
		{"window and action", Filter{ActionType: ActionInsert, Since: base.Add(2 * time.Hour), Until: base.Add(5 * time.Hour)}, []int64{2, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = scope(func(ctx context.Context, tx *sqlx.Tx) error {
				entries, err := trail.List(ctx, tx, tt.filter)
				if err != nil {
					t.Fatalf("List failed: %v", err)
				}
				var got []int64
				for _, e := range entries {
					got = append(got, e.Seq)
				}
				if len(got) != len(tt.wantSeq) {
					t.Fatalf("got seqs %v, want %v", got, tt.wantSeq)
				}
				for i := range got {
					if got[i] != tt.wantSeq[i] {
						t.Fatalf("got seqs %v, want %v", got, tt.wantSeq)
					}
				}
				return nil
			})
		})
	}
}

func TestPurgeRestartsChain(t *testing.T) {
	scope := setupTrailDB(t)
	trail, _ := NewTrail(VaultTable, testKey())
	appendN(t, scope, trail, 3)

	err := scope(func(ctx context.Context, tx *sqlx.Tx) error {
		n, err := trail.Purge(ctx, tx)
		if err != nil {
			return err
		}
		if n != 3 {
			t.Errorf("expected 3 purged entries, got %d", n)
		}
		e, err := trail.Append(ctx, tx, ActionInsert, "Inserted group: Work")
		if err != nil {
			return err
		}
		if e.Seq != 1 || e.PrevHash != "genesis" {
			t.Errorf("expected chain restart, got seq=%d prev=%s", e.Seq, e.PrevHash)
		}
		res, err := trail.Verify(ctx, tx)
		if err != nil {
			return err
		}
		if !res.Valid {
			t.Errorf("chain after purge should verify: %v", res.Errors)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scope failed: %v", err)
	}
}

func TestVerifyEmptyTrail(t *testing.T) {
	scope := setupTrailDB(t)
	trail, _ := NewTrail(VaultTable, testKey())
	_ = scope(func(ctx context.Context, tx *sqlx.Tx) error {
		res, err := trail.Verify(ctx, tx)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if !res.Valid || res.RecordsTotal != 0 {
			t.Errorf("expected valid empty trail, got %+v", res)
		}
		return nil
	})
}

func TestExport(t *testing.T) {
	entries := []Entry{
		{ID: 1, Seq: 1, ActionType: ActionInsert, ActionTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Details: "Inserted credential: a,b"},
		{ID: 2, Seq: 2, ActionType: ActionDelete, ActionTime: time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC), Details: "=cmd()"},
	}

	out, err := Export(entries, FormatCSV)
	if err != nil {
		t.Fatalf("Export csv failed: %v", err)
	}
	want := "log_id,seq,action_time,action_type,details\n" +
		"1,1,2026-01-02T03:04:05Z,INSERT,\"Inserted credential: a,b\"\n" +
		"2,2,2026-01-02T03:05:00Z,DELETE,\"=cmd()\"\n"
	if string(out) != want {
		t.Errorf("csv output:\n%s\nwant:\n%s", out, want)
	}

	out, err = Export(entries, FormatJSON)
	if err != nil {
		t.Fatalf("Export json failed: %v", err)
	}
	var decoded []Entry
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(decoded) != 2 || decoded[1].Details != "=cmd()" {
		t.Errorf("unexpected json content: %s", out)
	}

	out, err = Export(nil, FormatJSON)
	if err != nil || string(out) != "[]" {
		t.Errorf("empty json export = %q, %v", out, err)
	}

	if _, err := Export(entries, "xml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestCSVEscape(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"plain", "plain"},
		{"a,b", `"a,b"`},
		{`say "hi"`, `"say ""hi"""`},
		{"+1", `"+1"`},
		{"-1", `"-1"`},
		{"@SUM", `"@SUM"`},
		{"line\nbreak", "\"line\nbreak\""},
	}
	for _, tt := range tests {
		if got := csvEscape(tt.in); got != tt.want {
			t.Errorf("csvEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
