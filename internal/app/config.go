package app

import (
	"os"
	"path/filepath"
	"runtime"
)

// ServerConfig defines how the chat backend should run.
type ServerConfig struct {
	// Addr is the TCP address the chat protocol listens on.
	Addr string
	// AdminAddr is the HTTP address for metrics and health checks. Empty
	// disables the admin listener.
	AdminAddr string
	// DBPath locates the SQLite database file.
	DBPath string
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("WIRECHAT_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("WIRECHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "wirechat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "wirechat", "wirechat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Wirechat", "wirechat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Wirechat", "wirechat.db")
		}
		return filepath.Join(home, ".local", "share", "wirechat", "wirechat.db")
	}
	return filepath.Join(".", ".wirechat", "wirechat.db")
}
