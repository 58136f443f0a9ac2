package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/msgsync/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv(BaseDirEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".msgsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(BaseDirEnv, tmpDir)
	if got := BaseDir(); got != tmpDir {
		t.Errorf("BaseDir() = %q, want %q", got, tmpDir)
	}
}

func TestSessionFiles(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{"db", DBPath("test"), filepath.Join("sessions", "test", "sync.db")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "syncd.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.want) {
			t.Errorf("%s path = %q, want suffix %s", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(BaseDirEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s permission = %o, want 0700", d, perm)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(SessionEnv, "")
	cfg := config.Default()
	cfg.DefaultSession = "work"

	tests := []struct {
		name    string
		flag    string
		env     string
		cfg     *config.Config
		want    string
		wantErr bool
	}{
		{"nothing set", "", "", nil, DefaultSessionName, false},
		{"config default", "", "", cfg, "work", false},
		{"env beats config", "", "ops", cfg, "ops", false},
		{"flag beats env", "other", "ops", cfg, "other", false},
		{"invalid flag", "Bad Name", "", cfg, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(SessionEnv, tt.env)
			got, err := Resolve(tt.flag, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
