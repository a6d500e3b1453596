// Package config loads the relay configuration. Files are YAML, which
// also accepts the JSON layout of config.json.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the file.
const (
	EnvMQTTPassword  = "RELAY_MQTT_PASSWORD"
	EnvDBToken       = "RELAY_DB_TOKEN"
	EnvWritePassword = "RELAY_WRITE_PASSWORD"
)

type Config struct {
	MQTTBroker     string        `yaml:"mqtt_broker"`
	MQTTPort       int           `yaml:"mqtt_port"`
	MQTTTopic      string        `yaml:"mqtt_topic"`
	MQTTUser       string        `yaml:"mqtt_user"`
	MQTTPassword   string        `yaml:"mqtt_password"`
	MQTTClientID   string        `yaml:"mqtt_client_id"`
	ReconnectDelay time.Duration `yaml:"reconnect_backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	DBURL         string `yaml:"db_url"`
	DBOrg         string `yaml:"db_org"`
	DBBucket      string `yaml:"db_bucket"`
	DBToken       string `yaml:"db_token"`
	DBMeasurement string `yaml:"db_measurement"`

	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxInflightWrites int           `yaml:"max_inflight_writes"`
	WriteRateLimit    float64       `yaml:"write_rate_limit"`

	WritePassword  string `yaml:"write_password"`
	GraphURL       string `yaml:"graph_url"`
	HTTPAddr       string `yaml:"http_addr"`
	MetricsAddr    string `yaml:"metrics_addr"`
	BufferCapacity int    `yaml:"buffer_capacity"`
}

// LoadDotEnv loads a .env file into the environment when it exists.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.MQTTPassword = v
	}
	if v := os.Getenv(EnvDBToken); v != "" {
		c.DBToken = v
	}
	if v := os.Getenv(EnvWritePassword); v != "" {
		c.WritePassword = v
	}
}

func (c *Config) applyDefaults() {
	if c.MQTTPort == 0 {
		c.MQTTPort = 1883
	}
	if c.MQTTClientID == "" {
		c.MQTTClientID = "sensor-relay"
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxInflightWrites == 0 {
		c.MaxInflightWrites = 16
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9100"
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = 10
	}
}

func (c *Config) validate() error {
	required := []struct{ key, value string }{
		{"mqtt_broker", c.MQTTBroker},
		{"mqtt_topic", c.MQTTTopic},
		{"mqtt_user", c.MQTTUser},
		{"mqtt_password", c.MQTTPassword},
		{"db_url", c.DBURL},
		{"db_org", c.DBOrg},
		{"db_bucket", c.DBBucket},
		{"db_token", c.DBToken},
		{"db_measurement", c.DBMeasurement},
		{"write_password", c.WritePassword},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.key)
		}
	}

	if c.MQTTPort < 1 || c.MQTTPort > 65535 {
		return fmt.Errorf("mqtt_port %d out of range", c.MQTTPort)
	}
	if c.ReconnectDelay < 0 || c.ConnectTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.MaxInflightWrites < 1 {
		return fmt.Errorf("max_inflight_writes must be at least 1, got %d", c.MaxInflightWrites)
	}
	if c.WriteRateLimit < 0 {
		return fmt.Errorf("write_rate_limit must not be negative, got %v", c.WriteRateLimit)
	}
	if c.BufferCapacity < 1 {
		return fmt.Errorf("buffer_capacity must be at least 1, got %d", c.BufferCapacity)
	}
	return nil
}
