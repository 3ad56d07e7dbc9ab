package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.securechat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".securechat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "chatd.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// CacheDBPath returns the local replica database path.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// DevRemotePath returns the sqlite file used as remote store when no DSN
// is configured. It is shared by every session on the machine.
func DevRemotePath() string {
	return filepath.Join(BaseDir(), "remote.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
