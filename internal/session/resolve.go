package session

import "github.com/matheus3301/securechat/internal/config"

// DefaultName is used when neither the flag nor the config names a session.
const DefaultName = "main"

// Resolve picks the session from the --session flag, then the loaded
// config's default_session, then DefaultName. The result is validated and
// its socket path checked. cfg may be nil.
func Resolve(flagOverride string, cfg *config.Config) (string, error) {
	name := flagOverride
	if name == "" && cfg != nil {
		name = cfg.DefaultSession
	}
	if name == "" {
		name = DefaultName
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if err := CheckSocketPath(SocketPath(name)); err != nil {
		return "", err
	}
	return name, nil
}
