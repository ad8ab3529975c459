package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"

	"github.com/mossmaurice/iceoryx/internal/shm"
)

// LoadMemoryLayout reads a mempool layout file. The format follows the
// extension: .toml, or .yaml/.yml. An empty path yields
// shm.DefaultConfig.
//
//	prefix = "iceoryx"
//
//	[[segment]]
//	name = "data"
//
//	[[segment.mempool]]
//	chunk_size = 128
//	chunk_count = 1000
func LoadMemoryLayout(path string) (shm.Config, error) {
	if path == "" {
		return shm.DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return shm.Config{}, fmt.Errorf("failed to read memory layout: %w", err)
	}

	var layout shm.Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &layout)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &layout)
	default:
		return shm.Config{}, fmt.Errorf("memory layout %s: unsupported format %q (want .toml, .yaml or .yml)", path, ext)
	}
	if err != nil {
		return shm.Config{}, fmt.Errorf("failed to parse memory layout %s: %w", path, err)
	}

	if layout.Prefix == "" {
		layout.Prefix = shm.DefaultConfig().Prefix
	}
	if err := layout.Validate(); err != nil {
		return shm.Config{}, fmt.Errorf("memory layout %s: %w", path, err)
	}
	return layout, nil
}

// MemoryLayout loads the configured layout; IOX_SHM_DIR overrides the
// directory named in the file.
func (c *Config) MemoryLayout() (shm.Config, error) {
	layout, err := LoadMemoryLayout(c.Memory.File)
	if err != nil {
		return shm.Config{}, err
	}
	if c.Memory.Dir != "" {
		layout.Dir = c.Memory.Dir
	}
	return layout, nil
}
