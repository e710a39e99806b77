// Package configfile reads and writes the machine-managed workspace metadata
// in .jot/metadata.json. Operator-tunable settings live in config.yaml and
// are handled by the CLI config layer, not here.
package configfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the metadata file inside the .jot directory.
const ConfigFileName = "metadata.json"

// DirName is the workspace data directory.
const DirName = ".jot"

// Config is the workspace identity record.
type Config struct {
	Database string `json:"database"`
	IDPrefix string `json:"id_prefix"`
	Version  int    `json:"version"` // metadata format version
}

// DefaultConfig returns metadata for a fresh workspace.
func DefaultConfig() *Config {
	return &Config{
		Database: "jot.db",
		IDPrefix: "jot",
		Version:  1,
	}
}

// ConfigPath returns the metadata path inside jotDir.
func ConfigPath(jotDir string) string {
	return filepath.Join(jotDir, ConfigFileName)
}

// Load reads metadata from jotDir. Returns (nil, nil) when the workspace has
// no metadata file yet.
func Load(jotDir string) (*Config, error) {
	data, err := os.ReadFile(ConfigPath(jotDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &cfg, nil
}

// Save writes metadata to jotDir atomically (temp file + rename).
func (c *Config) Save(jotDir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(jotDir, ConfigFileName+".tmp*")
	if err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(tmpName, ConfigPath(jotDir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// DatabasePath returns the absolute database path for this workspace.
func (c *Config) DatabasePath(jotDir string) string {
	if filepath.IsAbs(c.Database) {
		return c.Database
	}
	return filepath.Join(jotDir, c.Database)
}

// FindDir walks up from startDir looking for a .jot directory.
// Returns the .jot path, or "" when no workspace is found.
func FindDir(startDir string) string {
	dir := startDir
	for {
		jotDir := filepath.Join(dir, DirName)
		if info, err := os.Stat(jotDir); err == nil && info.IsDir() {
			return jotDir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
