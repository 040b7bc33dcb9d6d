// Package paths resolves the XDG data/config locations used by localjira.
package paths

import (
	"os"
	"path/filepath"
)

const (
	// AppName is the application name used in XDG directories.
	AppName = "localjira"
)

// DataDir returns the XDG data directory for localjira.
// Priority: $XDG_DATA_HOME/localjira -> ~/.local/share/localjira
func DataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", AppName)
}

// ConfigDir returns the XDG config directory for localjira.
// Priority: $XDG_CONFIG_HOME/localjira -> ~/.config/localjira
func ConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", AppName)
}

// DatabasePath returns the default database file path.
func DatabasePath() string {
	return filepath.Join(DataDir(), "localjira.db")
}

// BackupDir returns the default backup directory.
func BackupDir() string {
	return filepath.Join(DataDir(), "backups")
}

// ConfigFilePath returns the default config file path in the XDG config dir.
func ConfigFilePath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(ConfigDir(), 0o755)
}

// EnsureBackupDir creates the backup directory if it doesn't exist.
func EnsureBackupDir() error {
	return os.MkdirAll(BackupDir(), 0o755)
}
