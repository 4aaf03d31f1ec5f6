package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "fieldcrm.yml"

// Config models fieldcrm.yml.
type Config struct {
	CRM struct {
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
		Currency string `yaml:"currency"`
	} `yaml:"crm"`
	Storage struct {
		Driver string `yaml:"driver"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`
	Lifecycle struct {
		RequireCheckInGPS  bool `yaml:"require_checkin_gps"`
		RequireCheckOutGPS bool `yaml:"require_checkout_gps"`
	} `yaml:"lifecycle"`
	GPS struct {
		EnableHighAccuracy bool          `yaml:"enable_high_accuracy"`
		Timeout            time.Duration `yaml:"timeout"`
		MaximumAge         time.Duration `yaml:"maximum_age"`
	} `yaml:"gps"`
	Views struct {
		PageSize        int    `yaml:"page_size"`
		HistoryPageSize int    `yaml:"history_page_size"`
		WeekStart       string `yaml:"week_start"`
	} `yaml:"views"`
	Directory struct {
		SeedDemoUsers bool `yaml:"seed_demo_users"`
		BcryptCost    int  `yaml:"bcrypt_cost"`
	} `yaml:"directory"`
	Server struct {
		CORSOrigins     []string      `yaml:"cors_origins"`
		MetricsSchedule string        `yaml:"metrics_schedule"`
		TokenTTL        time.Duration `yaml:"token_ttl"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Load reads the workspace config, falling back to defaults when the file is absent.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			return fmt.Errorf("config.storage.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config.storage.driver must be one of sqlite, redis, memory (got %q)", c.Storage.Driver)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.crm.timezone: %w", err)
	}
	if c.GPS.Timeout <= 0 {
		return fmt.Errorf("config.gps.timeout must be positive")
	}
	if c.GPS.Timeout > time.Minute {
		return fmt.Errorf("config.gps.timeout must not exceed 1m")
	}
	if c.GPS.MaximumAge < 0 {
		return fmt.Errorf("config.gps.maximum_age must not be negative")
	}
	if c.Views.PageSize <= 0 || c.Views.HistoryPageSize <= 0 {
		return fmt.Errorf("config.views page sizes must be positive")
	}
	if _, err := c.WeekStart(); err != nil {
		return err
	}
	if c.Directory.BcryptCost != 0 && (c.Directory.BcryptCost < 4 || c.Directory.BcryptCost > 31) {
		return fmt.Errorf("config.directory.bcrypt_cost must be between 4 and 31")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Location resolves crm.timezone; empty and "Local" mean the process zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.CRM.Timezone)
	if tz == "" || tz == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// WeekStart parses views.week_start.
func (c *Config) WeekStart() (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(c.Views.WeekStart)) {
	case "", "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	default:
		return time.Sunday, fmt.Errorf("config.views.week_start must be sunday or monday")
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys left out
// of the document keep their default values.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `crm:
  name: Field CRM
  timezone: Local
  currency: INR

storage:
  driver: sqlite
  redis:
    addr: 127.0.0.1:6379
    db: 0
    prefix: "fieldcrm:"

lifecycle:
  require_checkin_gps: false
  require_checkout_gps: true

gps:
  enable_high_accuracy: true
  timeout: 10s
  maximum_age: 60s

views:
  page_size: 10
  history_page_size: 15
  week_start: sunday

directory:
  seed_demo_users: true
  bcrypt_cost: 10

server:
  cors_origins: ["http://localhost:5173"]
  metrics_schedule: "@every 1m"
  token_ttl: 12h

webhooks: []
`
