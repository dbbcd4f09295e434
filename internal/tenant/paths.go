package tenant

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.smsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".smsync")
}

// Dir returns the tenant-specific data directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "tenants", name)
}

// LockPath returns the lock file path for a tenant.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the tenant-owned smsync.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "smsync.db")
}

// LogDir returns the log directory for a tenant.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "smsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the tenant directory tree with proper permissions.
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
