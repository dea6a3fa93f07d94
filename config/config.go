// Package config loads tumblelog settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvFile    = ".env"
	ConfigFile = "tumblelog.yaml"

	// PasswordEnv holds the bookmark account password for API importers.
	PasswordEnv = "TUMBLELOG_DELICIOUS_PASSWORD"
	// LogLevelEnv overrides logging.level.
	LogLevelEnv = "TUMBLELOG_LOG_LEVEL"
)

type Config struct {
	Database string        `yaml:"database"`
	PageSize int           `yaml:"page_size"`
	Timezone string        `yaml:"timezone"`
	Logging  LoggingConfig `yaml:"logging"`
	Import   ImportConfig  `yaml:"import"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ImportConfig tunes the bookmark sources and import runs.
type ImportConfig struct {
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Attempts  int           `yaml:"attempts"`
	Backoff   time.Duration `yaml:"backoff"`
	Timeout   time.Duration `yaml:"timeout"`
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Database == "" {
		c.Database = "tumblelog.db"
	}
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Import.BaseURL == "" {
		c.Import.BaseURL = "https://api.del.icio.us/v1"
	}
	if c.Import.UserAgent == "" {
		c.Import.UserAgent = "tumblelog/0.1"
	}
	if c.Import.Attempts <= 0 {
		c.Import.Attempts = 3
	}
	if c.Import.Backoff <= 0 {
		c.Import.Backoff = time.Second
	}
	if c.Import.Timeout <= 0 {
		c.Import.Timeout = 10 * time.Second
	}
	if c.Import.LeaseTTL <= 0 {
		c.Import.LeaseTTL = 10 * time.Minute
	}
}

// Load reads the config file at path, or the nearest tumblelog.yaml when
// path is empty. A missing file yields the defaults. A .env file next to the
// config is loaded into the environment first.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if dir := BasePath(); dir != "" {
			path = filepath.Join(dir, ConfigFile)
		}
	}

	envDir := "."
	if path != "" {
		envDir = filepath.Dir(path)
	}
	// .env is optional
	_ = godotenv.Load(filepath.Join(envDir, EnvFile))

	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if lvl := os.Getenv(LogLevelEnv); lvl != "" {
		c.Logging.Level = lvl
	}
	c.setDefaults()

	if _, err := c.Location(); err != nil {
		return nil, err
	}
	return c, nil
}

// Location returns the archive time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Password returns the bookmark account password from the environment.
func Password() string {
	return os.Getenv(PasswordEnv)
}

// BasePath returns the nearest directory, walking up from the working
// directory, that contains tumblelog.yaml, or "" when there is none.
func BasePath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		cfgPath := filepath.Join(dir, ConfigFile)
		if info, err := os.Stat(cfgPath); err == nil && !info.IsDir() {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}
