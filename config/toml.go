package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const configHeader = `# This is a TOML config file for flocrawl.
# For more information, see https://github.com/flonet/flocrawl

`

// WriteConfigFile renders cfg as TOML and writes it to the config path under
// cfg.RootDir.
func WriteConfigFile(cfg *Config) error {
	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return os.WriteFile(cfg.ConfigFilePath(), buf.Bytes(), 0600)
}

// EnsureRoot creates the root directory if it is missing and writes a default
// config file there if none exists. Returns the loaded-or-created state: true
// if a new file was written.
func EnsureRoot(cfg *Config) (bool, error) {
	if err := os.MkdirAll(cfg.RootDir, DefaultDirPerm); err != nil {
		return false, fmt.Errorf("creating root dir: %w", err)
	}

	path := cfg.ConfigFilePath()
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if err := WriteConfigFile(cfg); err != nil {
		return false, err
	}
	return true, nil
}
