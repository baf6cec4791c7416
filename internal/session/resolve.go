package session

import (
	"os"

	"github.com/matheus3301/mxd/internal/config"
)

const (
	DefaultSessionName = "main"
	// SessionEnv selects the session when no --session flag is given.
	SessionEnv = "MXD_SESSION"
)

// Resolve picks the session name: the --session flag, then $MXD_SESSION, then
// default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(SessionEnv); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
