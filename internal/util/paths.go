package util

import (
	"os"
	"path/filepath"
	"runtime"
)

func homePath(parts ...string) string {
	home, _ := os.UserHomeDir()
	return filepath.Join(append([]string{home}, parts...)...)
}

// GetConfigDir returns the per-user configuration directory, honoring
// $XDG_CONFIG_HOME on Linux and the platform convention elsewhere.
func GetConfigDir() string {
	var baseDir string
	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		baseDir = homePath("Library", "Application Support")
	default:
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			baseDir = homePath(".config")
		}
	}
	return filepath.Join(baseDir, "docdrift")
}

// GetDataDir returns the per-user data directory, honoring $XDG_DATA_HOME on
// Linux and the platform convention elsewhere. The persistent cache lives
// here by default.
func GetDataDir() string {
	var baseDir string
	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	case "darwin":
		baseDir = homePath("Library", "Application Support")
	default:
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			baseDir = homePath(".local", "share")
		}
	}
	return filepath.Join(baseDir, "docdrift")
}

// GetDefaultConfigPath returns where the config file lives unless a flag or
// environment variable overrides it.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// GetDefaultDBPath returns where the persistent cache lives unless a flag,
// environment variable or config entry overrides it.
func GetDefaultDBPath() string {
	return filepath.Join(GetDataDir(), "docdrift.db")
}
