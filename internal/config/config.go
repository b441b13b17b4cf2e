package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configurable paths and run settings.
type Config struct {
	// Paths
	InputDir  string `json:"input_dir" yaml:"input_dir"`
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	DBPath    string `json:"db_path" yaml:"db_path"`

	// Run settings
	SnapshotFormat   string `json:"snapshot_format" yaml:"snapshot_format"`
	SnapshotInterval int    `json:"snapshot_interval" yaml:"snapshot_interval"`
	SnapshotScale    int    `json:"snapshot_scale" yaml:"snapshot_scale"`
	MaxFrames        int    `json:"max_frames" yaml:"max_frames"`
	Workers          int    `json:"workers" yaml:"workers"`

	// Pipeline parameters
	Params Params `json:"params" yaml:"params"`
}

// Default returns a Config with the default pipeline parameters and empty
// paths.
func Default() Config {
	return Config{Params: DefaultParams()}
}

// Load reads a JSON or YAML config file, chosen by extension, and returns
// Config. Fields not set in the file keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Resolve fills in any empty fields with auto-detected defaults.
// CLI flags take priority when non-zero/non-empty.
func (c *Config) Resolve(flags Flags) {
	// CLI flags override config file
	if flags.InputDir != "" {
		c.InputDir = flags.InputDir
	}
	if flags.OutputDir != "" {
		c.OutputDir = flags.OutputDir
	}
	if flags.DBPath != "" {
		c.DBPath = flags.DBPath
	}
	if flags.Format != "" {
		c.SnapshotFormat = flags.Format
	}
	if flags.Frames > 0 {
		c.MaxFrames = flags.Frames
	}
	if flags.Workers > 0 {
		c.Workers = flags.Workers
	}

	// Auto-detect input dir if still empty
	if c.InputDir == "" {
		c.InputDir = detectInputDir()
	}

	// Resolve output paths
	if c.OutputDir == "" {
		if c.InputDir != "" {
			c.OutputDir = filepath.Join(c.InputDir, "scan-output")
		} else {
			c.OutputDir = "scan-output"
		}
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.OutputDir, "trajectory.db")
	} else if !filepath.IsAbs(c.DBPath) {
		c.DBPath = filepath.Join(c.OutputDir, c.DBPath)
	}

	// Defaults for run settings
	c.SnapshotFormat = strings.ToLower(c.SnapshotFormat)
	if c.SnapshotFormat == "" {
		c.SnapshotFormat = "webp"
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30
	}
	if c.SnapshotScale <= 0 {
		c.SnapshotScale = 1
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
}

// Flags holds CLI flag values that override config file settings.
type Flags struct {
	InputDir  string
	OutputDir string
	DBPath    string
	Format    string
	Frames    int
	Workers   int
}

// detectInputDir looks for a recorded session (a directory with a depth/
// subdirectory) in the working directory.
func detectInputDir() string {
	cwd, _ := os.Getwd()
	for _, dir := range []string{cwd, filepath.Join(cwd, "session"), filepath.Join(cwd, "data")} {
		if st, err := os.Stat(filepath.Join(dir, "depth")); err == nil && st.IsDir() {
			return dir
		}
	}
	return ""
}
