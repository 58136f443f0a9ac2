package session

import (
	"os"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-session", false},
		{"valid with underscore", "my_session", false},
		{"valid single char", "a", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"parent", "..", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"special chars", "my@session", true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestList(t *testing.T) {
	t.Setenv(BaseDirEnv, t.TempDir())

	got, err := List()
	if err != nil {
		t.Fatalf("List() on empty base error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List() = %v, want none", got)
	}

	for _, name := range []string{"work", "main"} {
		if err := EnsureDir(name); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(Dir("Bad.Name"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(DBPath("work"), nil, 0600); err != nil {
		t.Fatal(err)
	}

	got, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "main" || got[1].Name != "work" {
		t.Fatalf("List() = %+v, want [main work]", got)
	}
	if got[0].HasDB || !got[1].HasDB {
		t.Errorf("HasDB = %v/%v, want false/true", got[0].HasDB, got[1].HasDB)
	}
	if got[0].Running {
		t.Error("main reported running without a socket")
	}
}
