// Package paths defines the on-disk layout of the relay data directory.
package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.relay, the default data directory.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relay")
}

// ConfigPath returns the config file path inside dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.toml")
}

// DBPath returns the message store path inside dir.
func DBPath(dir string) string {
	return filepath.Join(dir, "relay.db")
}

// LockPath returns the single-instance lock file path inside dir.
func LockPath(dir string) string {
	return filepath.Join(dir, "LOCK")
}

// LogDir returns the log directory inside dir.
func LogDir(dir string) string {
	return filepath.Join(dir, "logs")
}

// LogPath returns the daemon log file path inside dir.
func LogPath(dir string) string {
	return filepath.Join(LogDir(dir), "relayd.log")
}

// EnsureDir creates the data directory tree with owner-only permissions.
func EnsureDir(dir string) error {
	for _, d := range []string{dir, LogDir(dir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
