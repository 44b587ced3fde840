package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/fedhub"
	// HomeEnv points the config directory somewhere else, e.g. a container volume.
	HomeEnv = EnvPrefix + "_HOME"
)

// GetConfigDir returns the config directory, creating it when missing.
func GetConfigDir() (string, error) {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		dir = filepath.Join(home, AppConfigDir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath prefers ./filename, then the config directory. When neither
// exists the config directory path is returned so the file can be created there.
func ResolveFilePath(filename string) string {
	return resolve("", filename)
}

// ResolveFilePathWithSubdir is ResolveFilePath for subdir/filename. The subdirectory
// is created in the config directory when the file is found nowhere.
func ResolveFilePathWithSubdir(subdir, filename string) string {
	return resolve(subdir, filename)
}

func resolve(subdir, filename string) string {
	local := filepath.Join(subdir, filename)
	if _, err := os.Stat(local); err == nil {
		return local
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return local
	}
	dir := filepath.Join(configDir, subdir)
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err != nil && subdir != "" {
		os.MkdirAll(dir, 0755)
	}
	return path
}
