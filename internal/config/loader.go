package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the per-user and per-project configuration directory name.
const DirName = ".droidrunner"

// Load reads and merges configuration from global and project paths on top of the defaults.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	return LoadOnto(DefaultConfig(), globalPath, projectPath)
}

// LoadOnto merges the global and project files onto base, which is modified in place.
// Keys absent from a file keep the value already in base.
func LoadOnto(base *Config, globalPath, projectPath string) (*Config, error) {
	if globalPath != "" {
		if err := mergeConfigFile(base, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(base, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := base.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	return base, nil
}

// DefaultPaths returns the conventional global and project config file paths.
// Global: ~/.droidrunner/config.json
// Project: .droidrunner/config.json (relative to cwd)
func DefaultPaths() (globalPath, projectPath string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName, "config.json"), filepath.Join(DirName, "config.json"), nil
}

// mergeConfigFile decodes a JSON config file over base.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Decoding into the populated struct leaves absent keys untouched.
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}
