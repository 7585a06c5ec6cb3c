package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "5m" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models taskboard.yml.
type Config struct {
	Lock struct {
		DefaultTimeout Duration `yaml:"default_timeout"`
		MinTimeout     Duration `yaml:"min_timeout"`
		MaxTimeout     Duration `yaml:"max_timeout"`
	} `yaml:"lock"`
	Sweep struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"sweep"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Default returns the built-in configuration. Lock bounds follow the
// coordination contract: a claim lives seconds to hours, never forever.
func Default() *Config {
	var cfg Config
	cfg.Lock.DefaultTimeout = Duration(5 * time.Minute)
	cfg.Lock.MinTimeout = Duration(5 * time.Second)
	cfg.Lock.MaxTimeout = Duration(2 * time.Hour)
	cfg.Sweep.Interval = Duration(30 * time.Second)
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Lock.MinTimeout <= 0 {
		return fmt.Errorf("config.lock.min_timeout must be positive")
	}
	if c.Lock.MaxTimeout < c.Lock.MinTimeout {
		return fmt.Errorf("config.lock.max_timeout must be >= min_timeout")
	}
	if c.Lock.DefaultTimeout < c.Lock.MinTimeout || c.Lock.DefaultTimeout > c.Lock.MaxTimeout {
		return fmt.Errorf("config.lock.default_timeout must be within [min_timeout, max_timeout]")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("config.sweep.interval must be positive")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	return nil
}

// ClampTimeout bounds a requested lock timeout to the configured range.
// A zero request means "use the default".
func (c *Config) ClampTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return c.Lock.DefaultTimeout.Std()
	}
	if d < c.Lock.MinTimeout.Std() {
		return c.Lock.MinTimeout.Std()
	}
	if d > c.Lock.MaxTimeout.Std() {
		return c.Lock.MaxTimeout.Std()
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskboard.yml")
}

// Load reads config from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// unset inherit the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns default config YAML for `tb config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `lock:
  default_timeout: 5m
  min_timeout: 5s
  max_timeout: 2h

sweep:
  interval: 30s

server:
  addr: ":8080"
  base_path: /v0
`
