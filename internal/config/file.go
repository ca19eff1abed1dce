package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/wabridge/internal/logging"
)

// Save writes cfg to path in the format implied by its extension.
// An existing file is kept as <path>.bak before being replaced.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			logging.L_warn("config: backup failed", "path", path, "error", err)
		} else {
			logging.L_debug("config: backed up existing file", "path", path+".bak")
		}
	}

	return AtomicWrite(path, data, 0600)
}

func encode(path string, cfg *Config) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	case ".toml":
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to marshal TOML: %w", err)
		}
		return []byte(b.String()), nil
	default:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return append(data, '\n'), nil
	}
}

// AtomicWrite writes data to path atomically using temp file + rename.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Same directory keeps the rename on one filesystem
	tmp, err := os.CreateTemp(dir, ".wabridge-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return AtomicWrite(dst, data, 0600)
}
