package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const legacyJSON = `{
  "mqtt_broker": "broker.local",
  "mqtt_topic": "sensors/livingroom",
  "mqtt_user": "relay",
  "mqtt_password": "mqtt-pw",
  "db_url": "http://influx.local:8086",
  "db_org": "home",
  "db_bucket": "climate",
  "db_token": "token",
  "db_measurement": "indoor",
  "write_password": "s3cret"
}`

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadLegacyJSONAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.json", legacyJSON))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.MQTTBroker != "broker.local" || cfg.DBMeasurement != "indoor" || cfg.WritePassword != "s3cret" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.MQTTPort != 1883 {
		t.Fatalf("expected default port 1883, got %d", cfg.MQTTPort)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Fatalf("expected default backoff 3s, got %s", cfg.ReconnectDelay)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MetricsAddr != ":9100" {
		t.Fatalf("unexpected listen addresses %s %s", cfg.HTTPAddr, cfg.MetricsAddr)
	}
	if cfg.BufferCapacity != 10 || cfg.MaxInflightWrites != 16 {
		t.Fatalf("unexpected defaults: capacity %d inflight %d", cfg.BufferCapacity, cfg.MaxInflightWrites)
	}
}

func TestLoadYAML(t *testing.T) {
	data := `
mqtt_broker: ssl://broker.local:8883
mqtt_topic: sensors/office
mqtt_user: relay
mqtt_password: mqtt-pw
reconnect_backoff: 500ms
db_url: http://influx.local:8086
db_org: home
db_bucket: climate
db_token: token
db_measurement: office
write_password: s3cret
write_timeout: 2s
write_rate_limit: 5
buffer_capacity: 12
graph_url: https://grafana.local
`
	cfg, err := Load(writeConfig(t, "config.yaml", data))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ReconnectDelay != 500*time.Millisecond {
		t.Fatalf("expected backoff 500ms, got %s", cfg.ReconnectDelay)
	}
	if cfg.WriteTimeout != 2*time.Second || cfg.WriteRateLimit != 5 || cfg.BufferCapacity != 12 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.GraphURL != "https://grafana.local" {
		t.Fatalf("unexpected graph url %s", cfg.GraphURL)
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvWritePassword, "from-env")
	t.Setenv(EnvDBToken, "env-token")

	cfg, err := Load(writeConfig(t, "config.json", legacyJSON))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WritePassword != "from-env" || cfg.DBToken != "env-token" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "config.json", `{"mqtt_broker": `)); err == nil {
		t.Fatalf("expected error for malformed file")
	}

	missing := strings.Replace(legacyJSON, `"write_password": "s3cret"`, `"graph_url": ""`, 1)
	_, err := Load(writeConfig(t, "config.json", missing))
	if err == nil || !strings.Contains(err.Error(), "write_password") {
		t.Fatalf("expected write_password error, got %v", err)
	}

	badPort := strings.Replace(legacyJSON, `"mqtt_topic"`, `"mqtt_port": 70000, "mqtt_topic"`, 1)
	if _, err := Load(writeConfig(t, "config.json", badPort)); err == nil {
		t.Fatalf("expected error for out of range port")
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env must be ignored, got %v", err)
	}

	t.Setenv(EnvMQTTPassword, "")
	os.Unsetenv(EnvMQTTPassword)
	path := writeConfig(t, ".env", EnvMQTTPassword+"=dotenv-pw\n")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load .env: %v", err)
	}
	if got := os.Getenv(EnvMQTTPassword); got != "dotenv-pw" {
		t.Fatalf("expected dotenv-pw, got %q", got)
	}
}
