package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Decora        DecoraConfig        `yaml:"decora"`
	Storage       StorageConfig       `yaml:"storage"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HTTP          HTTPConfig          `yaml:"http"`
	Pushover      PushoverConfig      `yaml:"pushover"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Log           LogConfig           `yaml:"log"`
}

// DecoraConfig carries the legacy account credentials. When set, serve
// imports them as a config entry unless one already exists.
type DecoraConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	ScanInterval string `yaml:"scan_interval"`
	BaseURL      string `yaml:"base_url"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
}

type HTTPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

type PushoverConfig struct {
	Token   string `yaml:"token"`
	UserKey string `yaml:"user_key"`
	Enabled bool   `yaml:"enabled"`
}

// HomeAssistantConfig enables persistent notifications through the Home
// Assistant REST API.
type HomeAssistantConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ScanIntervalDuration returns the parsed polling interval, falling back to
// DefaultScanInterval for unparsable or non-positive values.
func (c *DecoraConfig) ScanIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.ScanInterval)
	if err != nil || d <= 0 {
		return DefaultScanInterval
	}
	return d
}

// HasAccount reports whether legacy credentials were supplied.
func (c *DecoraConfig) HasAccount() bool {
	return c.Username != "" && c.Password != ""
}

const (
	DefaultScanInterval    = 120 * time.Second
	DefaultBaseURL         = "https://my.leviton.com/api"
	DefaultStoragePath     = "decora-entries.json"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultTopicPrefix     = "decora"
)

func (c *Config) setDefaults() {
	if c.Decora.ScanInterval == "" {
		c.Decora.ScanInterval = DefaultScanInterval.String()
	}
	if c.Decora.BaseURL == "" {
		c.Decora.BaseURL = DefaultBaseURL
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	if (c.Decora.Username == "") != (c.Decora.Password == "") {
		return fmt.Errorf("decora: username and password must be set together")
	}
	if _, err := time.ParseDuration(c.Decora.ScanInterval); err != nil {
		return fmt.Errorf("decora: invalid scan_interval %q: %w", c.Decora.ScanInterval, err)
	}
	if c.HomeAssistant.Enabled && (c.HomeAssistant.URL == "" || c.HomeAssistant.Token == "") {
		return fmt.Errorf("homeassistant: url and token are required when enabled")
	}
	return nil
}
