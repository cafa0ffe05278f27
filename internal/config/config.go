package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models cvatsync.yml.
type Config struct {
	Remote struct {
		BaseURL        string `yaml:"base_url"`
		PublicURL      string `yaml:"public_url"`
		Username       string `yaml:"username"`
		Password       string `yaml:"password"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		RetryPauseMS   int    `yaml:"retry_pause_ms"`
	} `yaml:"remote"`
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cvatsync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns a Config with every optional field filled in.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = 30
	}
	if c.Remote.RetryPauseMS == 0 {
		c.Remote.RetryPauseMS = 1000
	}
	if c.Remote.PublicURL == "" && c.Remote.BaseURL != "" {
		c.Remote.PublicURL = strings.TrimSuffix(strings.TrimRight(c.Remote.BaseURL, "/"), "/api")
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
}

// Finalize fills defaults derived from edited fields and validates again.
func (c *Config) Finalize() error {
	c.applyDefaults()
	return c.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.remote.base_url must be an absolute URL")
		}
	}
	if c.Remote.TimeoutSeconds < 0 {
		return fmt.Errorf("config.remote.timeout_seconds must be positive")
	}
	if c.Remote.RetryPauseMS < 0 {
		return fmt.Errorf("config.remote.retry_pause_ms must not be negative")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite":
	case "postgres", "postgresql":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// RequireRemote checks the settings needed to talk to the annotation service.
func (c *Config) RequireRemote() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config.remote.base_url is required")
	}
	if c.Remote.Username == "" || c.Remote.Password == "" {
		return fmt.Errorf("config.remote.username and config.remote.password are required")
	}
	return nil
}

// Timeout is the per-call deadline for remote requests.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// RetryPause is the wait before re-fetching a project name.
func (c *Config) RetryPause() time.Duration {
	return time.Duration(c.Remote.RetryPauseMS) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cvatsync.yml")
}

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Template is the starter file written by config init.
const Template = `remote:
  base_url: https://cvat.example.com/api
  # public_url defaults to base_url without /api
  username: sync-bot
  password: change-me
  timeout_seconds: 30
  retry_pause_ms: 1000

webhook:
  # leave empty to accept unsigned deliveries
  secret: ""

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""

database:
  driver: sqlite
  dsn: ""

log:
  level: info
  file: ""
`
