package httpapi

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full takeoff service configuration.
type Config struct {
	Listen        string `yaml:"listen"`
	DBPath        string `yaml:"db_path"`
	Workers       int    `yaml:"workers"`
	DocTimeoutSec int    `yaml:"doc_timeout_sec"`
	MaxUploadMB   int    `yaml:"max_upload_mb"`
	LogLevel      string `yaml:"log_level"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:        ":8090",
		DBPath:        "takeoff.db",
		Workers:       4,
		DocTimeoutSec: 30,
		MaxUploadMB:   50,
		LogLevel:      "info",
	}
}

// LoadConfig reads and parses a YAML config file, merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.DocTimeoutSec <= 0 {
		return fmt.Errorf("doc_timeout_sec must be > 0")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	return nil
}

// DocTimeout returns the per-document timeout as a duration.
func (c *Config) DocTimeout() time.Duration {
	return time.Duration(c.DocTimeoutSec) * time.Second
}
