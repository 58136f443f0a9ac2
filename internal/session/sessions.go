package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Info describes a session directory on disk.
type Info struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	HasDB   bool   `json:"hasDb"`
	Running bool   `json:"running"` // a daemon socket is present
}

// List returns the sessions under BaseDir sorted by name. Directories with
// invalid names are skipped.
func List() ([]Info, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "sessions"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		out = append(out, Info{
			Name:    e.Name(),
			Path:    Dir(e.Name()),
			HasDB:   exists(DBPath(e.Name())),
			Running: exists(SocketPath(e.Name())),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
