// Package config loads the optional blkmirror configuration file and
// parses the human-readable sizes used by flags and config values.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional blkmirror configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Pointer fields distinguish
// "not set" from an explicit zero.
type DefaultsConfig struct {
	Speed     *string `toml:"speed"`      // rate limit, e.g. "100M"
	ChunkSize *string `toml:"chunk_size"` // dirty-tracking granularity
	Journal   *bool   `toml:"journal"`    // record jobs in the journal db
	Follow    *bool   `toml:"follow"`     // keep mirroring after sync
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "blkmirror", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
