package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var ConfigDir = "/etc/berth"
var StateDir = "/var/lib/berth"

// ConfigFile is the optional YAML configuration read at startup. A missing
// file means defaults.
func ConfigFile() string {
	return filepath.Join(ConfigDir, "config.yaml")
}

// Config holds the tunable settings of the system. Zero values fall back to
// defaults when loaded through Load.
type Config struct {
	StateDir       string `yaml:"state_dir"`
	KeyDir         string `yaml:"key_dir"`
	RecipeDir      string `yaml:"recipe_dir"`
	PortRangeStart int    `yaml:"port_range_start"`
	PortRangeCount int    `yaml:"port_range_count"`
	SocketPath     string `yaml:"socket_path"`
	LogLevel       string `yaml:"log_level"`
}

// Defaults returns the configuration used when no config file is present.
func Defaults() Config {
	return Config{
		StateDir:       StateDir,
		KeyDir:         filepath.Join(StateDir, "keys"),
		RecipeDir:      filepath.Join(StateDir, "recipes"),
		PortRangeStart: 2222,
		PortRangeCount: 100,
		SocketPath:     filepath.Join("/var/run/berth", "daemon.sock"),
		LogLevel:       "info",
	}
}

// Load reads the YAML configuration at path, filling unset fields with
// defaults. An empty path means ConfigFile(); a missing file yields pure
// defaults rather than an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = ConfigFile()
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	defaults := Defaults()
	if cfg.StateDir == "" {
		cfg.StateDir = defaults.StateDir
	}
	if cfg.KeyDir == "" {
		cfg.KeyDir = filepath.Join(cfg.StateDir, "keys")
	}
	if cfg.RecipeDir == "" {
		cfg.RecipeDir = filepath.Join(cfg.StateDir, "recipes")
	}
	if cfg.PortRangeStart == 0 {
		cfg.PortRangeStart = defaults.PortRangeStart
	}
	if cfg.PortRangeCount == 0 {
		cfg.PortRangeCount = defaults.PortRangeCount
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaults.SocketPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	return cfg, nil
}

// Initialize creates the state directories the system writes to. Safe to
// run repeatedly.
func Initialize(cfg Config) error {
	getLogger().Info("initializing state directories", "state_dir", cfg.StateDir)

	for _, dir := range []string{cfg.StateDir, cfg.KeyDir, cfg.RecipeDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Verify checks that the state directories exist.
func Verify(cfg Config) error {
	for _, dir := range []string{cfg.StateDir, cfg.KeyDir, cfg.RecipeDir} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("directory %s does not exist", dir)
		}
	}
	return nil
}

// ClearConfig removes the configuration file. Missing file is a no-op.
func ClearConfig() error {
	getLogger().Info("clearing configuration file", "path", ConfigFile())

	if err := os.Remove(ConfigFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", ConfigFile(), err)
	}
	return nil
}
