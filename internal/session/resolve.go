package session

import (
	"os"

	"github.com/matheus3301/msgsync/internal/config"
)

const (
	DefaultSessionName = "main"
	// SessionEnv names the session when no flag is given.
	SessionEnv = "MSGSYNC_SESSION"
)

// Resolve picks the active session: the --session flag, then $MSGSYNC_SESSION,
// then default_session from cfg, then "main". The result is validated.
func Resolve(flagOverride string, cfg *config.Config) (string, error) {
	name := flagOverride
	if name == "" {
		name = os.Getenv(SessionEnv)
	}
	if name == "" && cfg != nil {
		name = cfg.DefaultSession
	}
	if name == "" {
		name = DefaultSessionName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
