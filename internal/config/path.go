package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDir = "docsync"

// DefaultDataDir is where the store lives when dataDir is unset:
// $XDG_DATA_HOME/docsync, else the per-user data location of the platform,
// else ./data when the process has no home directory.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	return platformDataDir(runtime.GOOS, home, os.Getenv("LOCALAPPDATA"))
}

func platformDataDir(goos, home, localAppData string) string {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appDir)
	case "windows":
		if localAppData != "" {
			return filepath.Join(localAppData, appDir)
		}
		return filepath.Join(home, "AppData", "Local", appDir)
	default:
		return filepath.Join(home, ".local", "share", appDir)
	}
}
