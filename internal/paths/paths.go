// Package paths provides centralized path resolution for wabridge.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the default config file name, both locally and in the base dir.
const ConfigFileName = "wabridge.json"

// BaseDir returns the wabridge base directory (~/.wabridge).
// WABRIDGE_HOME overrides the location.
func BaseDir() (string, error) {
	if dir := os.Getenv("WABRIDGE_HOME"); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".wabridge"), nil
}

// DataPath returns a path within the wabridge data directory (~/.wabridge/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config path.
// Priority: $WABRIDGE_CONFIG > ./wabridge.json > ~/.wabridge/wabridge.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	if env := os.Getenv("WABRIDGE_CONFIG"); env != "" {
		return ExpandTilde(env)
	}

	if _, err := os.Stat(ConfigFileName); err == nil {
		absPath, err := filepath.Abs(ConfigFileName)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := DataPath(ConfigFileName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.wabridge/wabridge.json).
func DefaultConfigPath() (string, error) {
	return DataPath(ConfigFileName)
}

// ResolveDataFile expands a configured file path. Relative paths are placed
// inside the base dir, absolute and ~ paths are kept as given.
func ResolveDataFile(p string) (string, error) {
	expanded, err := ExpandTilde(p)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return expanded, nil
	}
	return DataPath(expanded)
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
