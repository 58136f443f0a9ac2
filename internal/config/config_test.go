package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Server.Identity = "alice"
	cfg.Sync.SendTimeout = Duration{3 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Server.Identity != "alice" {
		t.Errorf("Identity = %q, want %q", loaded.Server.Identity, "alice")
	}
	if loaded.Sync.SendTimeout.Duration != 3*time.Second {
		t.Errorf("SendTimeout = %v, want 3s", loaded.Sync.SendTimeout)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "default_session = \"work\"\n\n[sync]\nmax_attempts = 9\ndeferred_delay = \"2m\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.Sync.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, want 9", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.DeferredDelay.Duration != 2*time.Minute {
		t.Errorf("DeferredDelay = %v, want 2m", cfg.Sync.DeferredDelay)
	}
	if cfg.Sync.SendTimeout != def.Sync.SendTimeout {
		t.Errorf("SendTimeout = %v, want default %v", cfg.Sync.SendTimeout, def.Sync.SendTimeout)
	}
	if cfg.Server.URL != def.Server.URL {
		t.Errorf("URL = %q, want default %q", cfg.Server.URL, def.Server.URL)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[sync]\nsend_timeout = \"soon\"\n"},
		{"unknown key", "[sync]\nretries = 3\n"},
		{"negative attempts", "[sync]\nmax_attempts = -1\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"jitter out of range", "[transport]\nreconnect_jitter = 2.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load() expected error for %q", tt.content)
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultSession != "main" {
		t.Errorf("DefaultSession = %q, want main", cfg.DefaultSession)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
