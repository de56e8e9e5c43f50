// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const FileName = "config.yaml"

type Config struct {
	HTTP struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
		AdminToken     string        `yaml:"admin_token"`
	} `yaml:"http"`
	Models struct {
		Dir         string        `yaml:"dir"`
		CacheSize   int           `yaml:"cache_size"`
		LoadTimeout time.Duration `yaml:"load_timeout"`
		Watch       bool          `yaml:"watch"`
	} `yaml:"models"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
		File        string `yaml:"file"`
		MaxSizeMB   int    `yaml:"max_size_mb"`
		MaxBackups  int    `yaml:"max_backups"`
		MaxAgeDays  int    `yaml:"max_age_days"`
		Compress    bool   `yaml:"compress"`
	} `yaml:"log"`
	Audit struct {
		Path string `yaml:"path"`
	} `yaml:"audit"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.HTTP.Port = 8000
	c.HTTP.Timeout = 30 * time.Second
	c.HTTP.AllowedOrigins = []string{"*"}
	c.HTTP.MaxBodyBytes = 1 << 20
	c.Models.Dir = "models"
	c.Models.CacheSize = 128
	c.Models.Watch = true
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	c.Log.MaxAgeDays = 28
	c.Audit.Path = "riskscreen.db"
	return c
}

// Load decodes path over the defaults. A missing file is not an error when
// optional is set.
func Load(path string, optional bool) (*Config, error) {
	c := Default()
	file, err := os.Open(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http.timeout must not be negative")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("http.max_body_bytes must be positive")
	}
	if c.Models.Dir == "" {
		return fmt.Errorf("models.dir is required")
	}
	if c.Models.CacheSize <= 0 {
		return fmt.Errorf("models.cache_size must be positive")
	}
	if c.Models.LoadTimeout < 0 {
		return fmt.Errorf("models.load_timeout must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// Save writes c as YAML.
func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, b, 0o600)
}
