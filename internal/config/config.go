// Package config provides configuration management for the trading bot.
//
// The YAML file carries deployment-level configuration (endpoints,
// credentials, paths); the runtime settings that the UI may change live
// in the store and are managed by the engine itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

const (
	defaultDataDir       = "data"
	defaultRetentionDays = 7
	defaultChartPages    = 30
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Vision      VisionConfig      `yaml:"vision"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	MockTrade bool   `yaml:"mock_trade"` // paper endpoints and fee schedule
	DebugMode bool   `yaml:"debug_mode"`
	Timezone  string `yaml:"timezone"` // defaults to Asia/Seoul
}

// BrokerEndpoints groups one trading mode's connection settings.
type BrokerEndpoints struct {
	RESTURL   string `yaml:"rest_url"`
	SocketURL string `yaml:"socket_url"`
	AppKey    string `yaml:"app_key"`
	SecretKey string `yaml:"secret_key"`
	AccountNo string `yaml:"account_no"`
}

// BrokerConfig defines the Kiwoom API settings for both trading modes.
type BrokerConfig struct {
	Mock BrokerEndpoints `yaml:"mock"`
	Real BrokerEndpoints `yaml:"real"`
	// ChartMaxPages bounds minute-chart pagination.
	ChartMaxPages int `yaml:"chart_max_pages"`
}

// VisionConfig defines the chart-verdict provider settings.
type VisionConfig struct {
	// APIKeys is one key or a comma-separated pool rotated across calls.
	APIKeys string `yaml:"api_keys"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// TelegramConfig defines notification settings.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// DashboardConfig defines the status HTTP server settings.
type DashboardConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig defines paths and retention.
type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file alongside the process is loaded first so ${VAR} references
// in the YAML resolve.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Timezone == "" {
		c.Environment.Timezone = "Asia/Seoul"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = defaultRetentionDays
	}
	if c.Broker.ChartMaxPages == 0 {
		c.Broker.ChartMaxPages = defaultChartPages
	}
	if c.Vision.Model == "" {
		c.Vision.Model = "gemini-2.0-flash"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	active := c.ActiveEndpoints()
	mode := "broker.real"
	if c.Environment.MockTrade {
		mode = "broker.mock"
	}

	if active.RESTURL == "" {
		return fmt.Errorf("%s.rest_url is required", mode)
	}
	if active.SocketURL == "" {
		return fmt.Errorf("%s.socket_url is required", mode)
	}
	if active.AppKey == "" || active.SecretKey == "" {
		return fmt.Errorf("%s.app_key and secret_key are required", mode)
	}
	if active.AccountNo == "" {
		return fmt.Errorf("%s.account_no is required", mode)
	}
	if c.Broker.ChartMaxPages < 1 {
		return fmt.Errorf("broker.chart_max_pages must be >= 1")
	}
	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("storage.retention_days must be >= 1")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range")
	}
	if _, err := time.LoadLocation(c.Environment.Timezone); err != nil {
		// Minimal containers ship without tzdata; the engine falls back
		// to a fixed KST offset, so only reject unknown names.
		if c.Environment.Timezone != "Asia/Seoul" {
			return fmt.Errorf("environment.timezone invalid: %w", err)
		}
	}
	return nil
}

// ActiveEndpoints returns the endpoint set for the configured mode.
func (c *Config) ActiveEndpoints() BrokerEndpoints {
	if c.Environment.MockTrade {
		return c.Broker.Mock
	}
	return c.Broker.Real
}

// Location returns the configured timezone, falling back to a fixed
// UTC+9 zone when tzdata is unavailable.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Environment.Timezone)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// VisionKeys splits the configured key pool.
func (c *Config) VisionKeys() []string {
	var out []string
	for _, k := range strings.Split(c.Vision.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
