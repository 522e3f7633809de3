package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultDataDir picks a data directory appropriate for the host platform.
// Set data_dir in the config file (or STROM_DATA_DIR) to override.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "strom")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Strom")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "Strom")
	default:
		if st, err := os.Stat("/var/lib"); err == nil && st.IsDir() {
			return "/var/lib/strom"
		}
		return filepath.Join(home, ".strom")
	}
}
