package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forest6511/credvault/pkg/audit"
)

func auditCount(t *testing.T, sess *Session) int {
	t.Helper()
	n, err := sess.Audit().Count(context.Background())
	if err != nil {
		t.Fatalf("audit Count failed: %v", err)
	}
	return n
}

func collect(t *testing.T, seq func(func(*Credential, error) bool)) []string {
	t.Helper()
	var titles []string
	for c, err := range seq {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		titles = append(titles, c.Title)
	}
	return titles
}

func TestAddGetRoundTrip(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	exp := time.Date(2027, 3, 1, 9, 30, 0, 0, time.UTC)
	gid, err := sess.Groups().Create(ctx, "Mail")
	if err != nil {
		t.Fatalf("Create group failed: %v", err)
	}

	tests := []struct {
		name string
		in   CredentialInput
	}{
		{"empty optionals", CredentialInput{Title: "Gmail", Username: "a@b.com", Password: "pw1"}},
		{"all fields", CredentialInput{
			Title: "Bank", Username: "me", Password: "s3cr3t!", URL: "https://bank.example",
			Notes: "pin in safe", Tags: "finance", Expiration: &exp, GroupID: &gid,
		}},
		{"unicode", CredentialInput{Title: "Café", Username: "ユーザー", Password: "пароль"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, err := store.Add(ctx, tt.in)
			if err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			got, err := store.Get(ctx, tt.in.Title)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.ID != added.ID {
				t.Errorf("ID = %d, want %d", got.ID, added.ID)
			}
			if got.Title != tt.in.Title || got.Username != tt.in.Username || got.Password != tt.in.Password ||
				got.URL != tt.in.URL || got.Notes != tt.in.Notes || got.Tags != tt.in.Tags {
				t.Errorf("Get() = %+v, want fields of %+v", got, tt.in)
			}
			if (got.Expiration == nil) != (tt.in.Expiration == nil) ||
				(got.Expiration != nil && !got.Expiration.Equal(*tt.in.Expiration)) {
				t.Errorf("Expiration = %v, want %v", got.Expiration, tt.in.Expiration)
			}
			if (got.GroupID == nil) != (tt.in.GroupID == nil) ||
				(got.GroupID != nil && *got.GroupID != *tt.in.GroupID) {
				t.Errorf("GroupID = %v, want %v", got.GroupID, tt.in.GroupID)
			}
		})
	}
}

func TestPasswordEncryptedAtRest(t *testing.T) {
	svc, sess := setupTestVault(t)
	ctx := context.Background()

	const plain = "correct horse battery staple"
	if _, err := sess.Credentials().Add(ctx, CredentialInput{Title: "Wiki", Username: "u", Password: plain}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	rawScope(t, svc, sess.Path(), func(ctx context.Context, tx *sqlx.Tx) error {
		var stored []byte
		if err := tx.GetContext(ctx, &stored, `SELECT password FROM credentials WHERE title = 'Wiki'`); err != nil {
			return err
		}
		if bytes.Contains(stored, []byte(plain)) {
			t.Error("password stored in clear text")
		}
		return nil
	})
}

func TestAddDuplicateTitle(t *testing.T) {
	svc, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	in := CredentialInput{Title: "Gmail", Username: "a@b.com", Password: "pw1"}
	if _, err := store.Add(ctx, in); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	before := auditCount(t, sess)

	in.Password = "pw2"
	if _, err := store.Add(ctx, in); !errors.Is(err, ErrDuplicateTitle) {
		t.Fatalf("second Add error = %v, want %v", err, ErrDuplicateTitle)
	}

	// NFC and surrounding space do not make a new title.
	if _, err := store.Add(ctx, CredentialInput{Title: "  Gmail ", Username: "x", Password: "y"}); !errors.Is(err, ErrDuplicateTitle) {
		t.Errorf("Add(padded title) error = %v, want %v", err, ErrDuplicateTitle)
	}

	if after := auditCount(t, sess); after != before {
		t.Errorf("audit count = %d after failed adds, want %d", after, before)
	}
	rawScope(t, svc, sess.Path(), func(ctx context.Context, tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM credentials WHERE title = 'Gmail'`); err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("rows for Gmail = %d, want 1", n)
		}
		return nil
	})

	got, err := store.Get(ctx, "Gmail")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Password != "pw1" {
		t.Errorf("Password = %q, want the first insert's", got.Password)
	}
}

func TestNormalizedTitleLookup(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	// "é" as e + combining acute accent.
	decomposed := "Cafe\u0301"
	if _, err := store.Add(ctx, CredentialInput{Title: decomposed, Username: "u", Password: "p"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	got, err := store.Get(ctx, "Café")
	if err != nil {
		t.Fatalf("Get(composed) failed: %v", err)
	}
	if got.Title != "Café" {
		t.Errorf("stored title = %q, want NFC form", got.Title)
	}
}

func TestAddValidation(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()
	missingGroup := int64(999)

	tests := []struct {
		name    string
		in      CredentialInput
		wantErr error
	}{
		{"no title", CredentialInput{Title: "   ", Username: "u", Password: "p"}, ErrMissingField},
		{"no username", CredentialInput{Title: "t", Password: "p"}, ErrMissingField},
		{"no password", CredentialInput{Title: "t", Username: "u"}, ErrMissingField},
		{"multi-valued tags", CredentialInput{Title: "t", Username: "u", Password: "p", Tags: "work,home"}, ErrInvalidTags},
		{"long tag", CredentialInput{Title: "t", Username: "u", Password: "p", Tags: strings.Repeat("x", MaxTagLength+1)}, ErrTagTooLong},
		{"long title", CredentialInput{Title: strings.Repeat("t", MaxTitleLength+1), Username: "u", Password: "p"}, ErrTitleTooLong},
		{"large notes", CredentialInput{Title: "t", Username: "u", Password: "p", Notes: strings.Repeat("n", MaxNotesSize+1)}, ErrNotesTooLarge},
		{"long url", CredentialInput{Title: "t", Username: "u", Password: "p", URL: strings.Repeat("u", MaxURLLength+1)}, ErrURLTooLong},
		{"unknown group", CredentialInput{Title: "t", Username: "u", Password: "p", GroupID: &missingGroup}, ErrInvalidGroup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := auditCount(t, sess)
			if _, err := store.Add(ctx, tt.in); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Add error = %v, want %v", err, tt.wantErr)
			}
			if after := auditCount(t, sess); after != before {
				t.Errorf("audit count changed on rejected Add: %d -> %d", before, after)
			}
		})
	}
}

func TestModifyRenameScenario(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	if _, err := store.Add(ctx, CredentialInput{Title: "Gmail", Username: "a@b.com", Password: "pw1"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	updated, err := store.Modify(ctx, "Gmail", CredentialInput{Title: "GmailNew", Username: "a@b.com", Password: "pw2", Notes: "moved"})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if updated.Title != "GmailNew" || updated.Password != "pw2" || updated.Notes != "moved" {
		t.Errorf("Modify() = %+v", updated)
	}

	if _, err := store.Get(ctx, "Gmail"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(old title) error = %v, want %v", err, ErrNotFound)
	}
	if _, err := store.Get(ctx, "GmailNew"); err != nil {
		t.Errorf("Get(new title) failed: %v", err)
	}

	entries, err := sess.Audit().List(ctx, audit.Filter{})
	if err != nil {
		t.Fatalf("audit List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	want := []struct{ action, details string }{
		{audit.ActionInsert, "Inserted credential: Gmail"},
		{audit.ActionUpdate, "Updated credential: Gmail"},
	}
	for i, w := range want {
		if entries[i].ActionType != w.action || entries[i].Details != w.details {
			t.Errorf("entry %d = %s %q, want %s %q", i, entries[i].ActionType, entries[i].Details, w.action, w.details)
		}
	}
}

func TestModifyErrors(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	for _, title := range []string{"A", "B"} {
		if _, err := store.Add(ctx, CredentialInput{Title: title, Username: "u-" + title, Password: "p-" + title}); err != nil {
			t.Fatalf("Add(%s) failed: %v", title, err)
		}
	}
	before := auditCount(t, sess)

	if _, err := store.Modify(ctx, "missing", CredentialInput{Title: "x", Username: "u", Password: "p"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Modify(missing) error = %v, want %v", err, ErrNotFound)
	}
	if _, err := store.Modify(ctx, "A", CredentialInput{Title: "B", Username: "changed", Password: "changed"}); !errors.Is(err, ErrDuplicateTitle) {
		t.Errorf("Modify(A->B) error = %v, want %v", err, ErrDuplicateTitle)
	}

	// The failed rename left A untouched.
	got, err := store.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get(A) failed: %v", err)
	}
	if got.Username != "u-A" || got.Password != "p-A" {
		t.Errorf("A was partially updated: %+v", got)
	}
	if after := auditCount(t, sess); after != before {
		t.Errorf("audit count changed on failed modify: %d -> %d", before, after)
	}
}

func TestRemove(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	if _, err := store.Add(ctx, CredentialInput{Title: "Temp", Username: "u", Password: "p"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	before := auditCount(t, sess)
	if err := store.Remove(ctx, "Temp"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if after := auditCount(t, sess); after != before+1 {
		t.Errorf("audit count = %d, want %d", after, before+1)
	}
	if _, err := store.Get(ctx, "Temp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove error = %v, want %v", err, ErrNotFound)
	}
	if err := store.Remove(ctx, "Temp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove error = %v, want %v", err, ErrNotFound)
	}
	if after := auditCount(t, sess); after != before+1 {
		t.Errorf("failed Remove wrote an audit entry")
	}
}

func TestEveryMutationLogsOnce(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	creds, groups := sess.Credentials(), sess.Groups()

	var gid int64
	steps := []struct {
		name string
		run  func() error
	}{
		{"create group", func() (err error) { gid, err = groups.Create(ctx, "Work"); return err }},
		{"add", func() error {
			_, err := creds.Add(ctx, CredentialInput{Title: "Jira", Username: "u", Password: "p", GroupID: &gid})
			return err
		}},
		{"modify", func() error {
			_, err := creds.Modify(ctx, "Jira", CredentialInput{Title: "Jira", Username: "u2", Password: "p2"})
			return err
		}},
		{"rename group", func() error { return groups.Rename(ctx, gid, "Office") }},
		{"remove", func() error { return creds.Remove(ctx, "Jira") }},
		{"delete empty group", func() error { return groups.Delete(ctx, gid) }},
	}

	for _, step := range steps {
		before := auditCount(t, sess)
		if err := step.run(); err != nil {
			t.Fatalf("%s failed: %v", step.name, err)
		}
		if after := auditCount(t, sess); after != before+1 {
			t.Errorf("%s: audit count %d -> %d, want +1", step.name, before, after)
		}
	}

	result, err := sess.Audit().Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("audit chain invalid: %v", result.Errors)
	}
}

func TestListOrderedAndRestartable(t *testing.T) {
	_, sess := setupTestVault(t, WithPageSize(2))
	ctx := context.Background()
	store := sess.Credentials()

	titles := []string{"delta", "alpha", "echo", "charlie", "bravo"}
	for _, title := range titles {
		if _, err := store.Add(ctx, CredentialInput{Title: title, Username: "u", Password: "p-" + title}); err != nil {
			t.Fatalf("Add(%s) failed: %v", title, err)
		}
	}

	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	seq := store.List(ctx)
	for round := 0; round < 2; round++ {
		got := collect(t, seq)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("round %d: List() = %v, want %v", round, got, want)
		}
	}

	// Stopping early releases the iterator; a later range starts over.
	var first []string
	for c, err := range seq {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		first = append(first, c.Title)
		if len(first) == 3 {
			break
		}
	}
	if fmt.Sprint(first) != fmt.Sprint(want[:3]) {
		t.Errorf("partial iteration = %v, want %v", first, want[:3])
	}

	// Writes between pages are allowed because no scope is held while yielding.
	n := 0
	for c, err := range seq {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		if n == 0 {
			if _, err := store.Add(ctx, CredentialInput{Title: "zulu", Username: "u", Password: "p"}); err != nil {
				t.Fatalf("Add during iteration failed: %v", err)
			}
		}
		if c.Password != "p-"+c.Title && c.Title != "zulu" {
			t.Errorf("%s decrypted to %q", c.Title, c.Password)
		}
		n++
	}
	if n != len(want)+1 {
		t.Errorf("iteration with concurrent add saw %d credentials, want %d", n, len(want)+1)
	}
}

func TestListByGroup(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	work, err := sess.Groups().Create(ctx, "Work")
	if err != nil {
		t.Fatalf("Create group failed: %v", err)
	}
	inputs := []CredentialInput{
		{Title: "Slack", Username: "u", Password: "p", GroupID: &work},
		{Title: "Github", Username: "u", Password: "p", GroupID: &work},
		{Title: "Netflix", Username: "u", Password: "p"},
	}
	for _, in := range inputs {
		if _, err := store.Add(ctx, in); err != nil {
			t.Fatalf("Add(%s) failed: %v", in.Title, err)
		}
	}

	if got := collect(t, store.ListByGroup(ctx, work)); fmt.Sprint(got) != "[Github Slack]" {
		t.Errorf("ListByGroup() = %v", got)
	}
	if got := collect(t, store.ListUngrouped(ctx)); fmt.Sprint(got) != "[Netflix]" {
		t.Errorf("ListUngrouped() = %v", got)
	}

	for c, err := range store.ListByGroup(ctx, work) {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		if c.GroupTitle != "Work" {
			t.Errorf("%s GroupTitle = %q, want Work", c.Title, c.GroupTitle)
		}
	}

	var gotErr error
	for _, err := range store.ListByGroup(ctx, 404) {
		gotErr = err
	}
	if !errors.Is(gotErr, ErrNotFound) {
		t.Errorf("ListByGroup(unknown) error = %v, want %v", gotErr, ErrNotFound)
	}
}

func TestListExpiring(t *testing.T) {
	svc, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	expired := now.Add(-24 * time.Hour)
	soon := now.Add(3 * 24 * time.Hour)
	later := now.Add(90 * 24 * time.Hour)
	inputs := []CredentialInput{
		{Title: "later", Username: "u", Password: "p", Expiration: &later},
		{Title: "soon", Username: "u", Password: "p", Expiration: &soon},
		{Title: "expired", Username: "u", Password: "p", Expiration: &expired},
		{Title: "never", Username: "u", Password: "p"},
	}
	for _, in := range inputs {
		if _, err := store.Add(ctx, in); err != nil {
			t.Fatalf("Add(%s) failed: %v", in.Title, err)
		}
	}

	got, err := store.ListExpiring(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("ListExpiring failed: %v", err)
	}
	var titles []string
	for _, c := range got {
		titles = append(titles, c.Title)
	}
	if fmt.Sprint(titles) != "[expired soon]" {
		t.Errorf("ListExpiring() = %v, want [expired soon]", titles)
	}
}

func TestTitles(t *testing.T) {
	_, sess := setupTestVault(t)
	ctx := context.Background()
	store := sess.Credentials()

	for _, title := range []string{"b", "a"} {
		if _, err := store.Add(ctx, CredentialInput{Title: title, Username: "u", Password: "p"}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	titles, err := store.Titles(ctx)
	if err != nil {
		t.Fatalf("Titles failed: %v", err)
	}
	if fmt.Sprint(titles) != "[a b]" {
		t.Errorf("Titles() = %v", titles)
	}
}
