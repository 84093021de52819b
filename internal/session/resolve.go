package session

import (
	"os"

	"github.com/matheus3301/bizchat/internal/config"
)

const DefaultSessionName = "main"

// SessionEnv selects the session when no flag is given.
const SessionEnv = "BIZCHAT_SESSION"

// Resolve picks the active session name, first match wins:
// the --session flag, $BIZCHAT_SESSION, default_session from config.toml,
// then "main". The result is normalized but not validated.
func Resolve(flagOverride string) string {
	if name := Normalize(flagOverride); name != "" {
		return name
	}
	if name := Normalize(os.Getenv(SessionEnv)); name != "" {
		return name
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil {
		if name := Normalize(cfg.DefaultSession); name != "" {
			return name
		}
	}
	return DefaultSessionName
}
