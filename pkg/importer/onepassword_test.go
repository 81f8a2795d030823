package importer

import (
	"strings"
	"testing"
)

const onePasswordHeader = "Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes\n"

func TestOnePasswordParser_Parse(t *testing.T) {
	csvData := onePasswordHeader +
		`GitHub,https://github.com,johndoe," spaced pass ",,true,false,"dev, work","line1` + "\nline2\"\n" +
		"Old,https://old.example,u,p,,false,true,,\n" +
		"Bank,https://bank.example,jane,s3cret,otpauth://totp/x,false,false,,\n"

	p := &OnePasswordParser{}
	result, err := p.Parse([]byte(csvData), ParseOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Credentials) != 2 {
		t.Fatalf("Credentials count = %d, want 2", len(result.Credentials))
	}

	gh := result.Credentials[0]
	if gh.Title != "GitHub" || gh.Username != "johndoe" || gh.URL != "https://github.com" {
		t.Errorf("credential = %+v", gh)
	}
	if gh.Password != " spaced pass " {
		t.Errorf("Password = %q, want untrimmed", gh.Password)
	}
	if gh.Tag != "dev" {
		t.Errorf("Tag = %q, want first tag", gh.Tag)
	}
	if gh.Notes != "line1\nline2" {
		t.Errorf("Notes = %q", gh.Notes)
	}

	if len(result.Skipped) != 1 || result.Skipped[0].Reason != "archived" {
		t.Errorf("Skipped = %+v", result.Skipped)
	}

	if len(result.Warnings) != 2 {
		t.Fatalf("Warnings = %v, want 2", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "extra tag") {
		t.Errorf("warning = %q", result.Warnings[0])
	}
	if !strings.Contains(result.Warnings[1], "TOTP") {
		t.Errorf("warning = %q", result.Warnings[1])
	}
}

func TestOnePasswordParser_Options(t *testing.T) {
	csvData := onePasswordHeader +
		",https://www.example.com,,pw,,false,false,,\n" +
		",,,pw2,,false,false,,\n"

	p := &OnePasswordParser{}
	result, err := p.Parse([]byte(csvData), ParseOptions{DefaultUsername: "admin", Tag: "imported"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Credentials) != 2 {
		t.Fatalf("Credentials count = %d, want 2", len(result.Credentials))
	}
	want := []string{"example.com", "imported_item_2"}
	for i, c := range result.Credentials {
		if c.Title != want[i] || c.Username != "admin" || c.Tag != "imported" {
			t.Errorf("credential %d = %+v", i, c)
		}
	}
}

func TestOnePasswordParser_MissingTitleColumn(t *testing.T) {
	p := &OnePasswordParser{}
	if _, err := p.Parse([]byte("title,website\n"), ParseOptions{}); err == nil {
		t.Error("expected error: 1Password headers are case sensitive")
	}
}
