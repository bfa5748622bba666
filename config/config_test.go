// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/soothill/cast-bridge/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}

func validConfig() Config {
	cfg := Default()
	cfg.InfluxDB = InfluxDBConfig{
		Enabled:      true,
		URL:          "http://localhost:8086",
		Token:        "test-token",
		Organization: "test-org",
		Bucket:       "test-bucket",
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "defaults alone are valid",
			mutate:  func(c *Config) { *c = Default() },
			wantErr: false,
		},
		{
			name:    "missing influxdb url",
			mutate:  func(c *Config) { c.InfluxDB.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing influxdb token",
			mutate:  func(c *Config) { c.InfluxDB.Token = "" },
			wantErr: true,
		},
		{
			name:    "short influxdb token",
			mutate:  func(c *Config) { c.InfluxDB.Token = "short" },
			wantErr: true,
		},
		{
			name:    "disabled influxdb needs nothing",
			mutate:  func(c *Config) { c.InfluxDB = InfluxDBConfig{} },
			wantErr: false,
		},
		{
			name:    "plain http to remote influxdb",
			mutate:  func(c *Config) { c.InfluxDB.URL = "http://influx.example.com:8086" },
			wantErr: true,
		},
		{
			name:    "https to remote influxdb",
			mutate:  func(c *Config) { c.InfluxDB.URL = "https://influx.example.com:8086" },
			wantErr: false,
		},
		{
			name:    "zero poll interval disables polling",
			mutate:  func(c *Config) { c.Cast.PollInterval = 0 },
			wantErr: false,
		},
		{
			name:    "negative poll interval",
			mutate:  func(c *Config) { c.Cast.PollInterval = -time.Second },
			wantErr: true,
		},
		{
			name:    "poll interval too long",
			mutate:  func(c *Config) { c.Cast.PollInterval = 2 * time.Hour },
			wantErr: true,
		},
		{
			name: "discovery shorter than poll",
			mutate: func(c *Config) {
				c.Cast.DiscoveryInterval = 10 * time.Second
				c.Cast.PollInterval = 30 * time.Second
			},
			wantErr: true,
		},
		{
			name:    "command timeout too short",
			mutate:  func(c *Config) { c.Cast.CommandTimeout = 100 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "mqtt enabled without broker",
			mutate:  func(c *Config) { c.MQTT.Enabled = true },
			wantErr: true,
		},
		{
			name: "mqtt with local broker",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker = "tcp://localhost:1883"
			},
			wantErr: false,
		},
		{
			name: "mqtt with unsupported scheme",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker = "http://localhost:1883"
			},
			wantErr: true,
		},
		{
			name: "mqtt credentials over plain tcp to remote broker",
			mutate: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker = "tcp://broker.example.com:1883"
				c.MQTT.Password = "secret"
			},
			wantErr: true,
		},
		{
			name:    "mqtt wildcard in topic prefix",
			mutate:  func(c *Config) { c.MQTT.TopicPrefix = "cast/#" },
			wantErr: true,
		},
		{
			name:    "mqtt qos out of range",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid http addr",
			mutate:  func(c *Config) { c.HTTP.Addr = "not an address" },
			wantErr: true,
		},
		{
			name:    "invalid slack webhook",
			mutate:  func(c *Config) { c.Notifications.SlackWebhookURL = "not a url" },
			wantErr: true,
		},
		{
			name:    "negative instance number",
			mutate:  func(c *Config) { c.Cast.Number = -1 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsConfigError(err) {
				t.Errorf("Validate() error = %T, want *errors.ConfigError", err)
			}
		})
	}
}

func TestValidate_FieldNames(t *testing.T) {
	cfg := validConfig()
	cfg.Cast.PollInterval = -time.Second

	err := cfg.Validate()
	var ce *errors.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Validate() error = %v, want ConfigError", err)
	}
	if ce.Field != "cast.poll_interval" {
		t.Errorf("Field = %q, want cast.poll_interval", ce.Field)
	}
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Error("validation errors should wrap ErrInvalidConfig")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "cast: [unclosed")
	_, err := Load(path)
	if err == nil {
		t.Error("Load() should fail for invalid YAML")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	path := writeConfig(t, `
cast:
  discovery_interval: 10m
  poll_interval: 15s
  command_timeout: 5s
  models: ["Chromecast Ultra"]
influxdb:
  enabled: true
  url: http://localhost:8086
  token: test-token-12345
  organization: home
  bucket: cast
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  topic_prefix: home/cast/
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Cast.DiscoveryInterval != 10*time.Minute {
		t.Errorf("DiscoveryInterval = %v, want 10m", cfg.Cast.DiscoveryInterval)
	}
	if cfg.Cast.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s", cfg.Cast.PollInterval)
	}
	if cfg.Cast.CommandTimeout != 5*time.Second {
		t.Errorf("CommandTimeout = %v, want 5s", cfg.Cast.CommandTimeout)
	}
	if len(cfg.Cast.Models) != 1 || cfg.Cast.Models[0] != "Chromecast Ultra" {
		t.Errorf("Models = %v", cfg.Cast.Models)
	}
	if cfg.InfluxDB.Bucket != "cast" {
		t.Errorf("Bucket = %q, want cast", cfg.InfluxDB.Bucket)
	}
	if cfg.MQTT.TopicPrefix != "home/cast" {
		t.Errorf("TopicPrefix = %q, want trailing slash trimmed", cfg.MQTT.TopicPrefix)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched keys keep their defaults.
	if cfg.Cast.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want default 10s", cfg.Cast.ConnectTimeout)
	}
}

func TestLoad_ExplicitZeroPollInterval(t *testing.T) {
	path := writeConfig(t, "cast:\n  poll_interval: 0s\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Cast.PollInterval != 0 {
		t.Errorf("PollInterval = %v, want 0 (polling disabled)", cfg.Cast.PollInterval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	want := Default()
	if !reflect.DeepEqual(cfg.Cast, want.Cast) {
		t.Errorf("Cast = %+v, want %+v", cfg.Cast, want.Cast)
	}
	if cfg.HTTP != want.HTTP {
		t.Errorf("HTTP = %+v, want %+v", cfg.HTTP, want.HTTP)
	}
	if cfg.InfluxDB.Enabled || cfg.MQTT.Enabled {
		t.Error("sinks should be disabled by default")
	}
}

func TestLoad_BlankStringsRestoreDefaults(t *testing.T) {
	path := writeConfig(t, "cast:\n  service_type: \"\"\nhttp:\n  addr: \"\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Cast.ServiceType != "_googlecast._tcp" {
		t.Errorf("ServiceType = %q", cfg.Cast.ServiceType)
	}
	if cfg.HTTP.Addr != "localhost:9090" {
		t.Errorf("Addr = %q", cfg.HTTP.Addr)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	t.Setenv("INFLUXDB_URL", "https://env-host:8086")
	t.Setenv("INFLUXDB_TOKEN", "env-token-123")
	t.Setenv("INFLUXDB_ORG", "env-org")
	t.Setenv("INFLUXDB_BUCKET", "env-bucket")
	t.Setenv("MQTT_BROKER", "tcp://localhost:1883")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/T/B/X")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CAST_DISCOVERY_INTERVAL", "10m")
	t.Setenv("CAST_POLL_INTERVAL", "1m")
	t.Setenv("CAST_NUMBER", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !cfg.InfluxDB.Enabled || cfg.InfluxDB.URL != "https://env-host:8086" {
		t.Errorf("InfluxDB = %+v, want enabled with env URL", cfg.InfluxDB)
	}
	if cfg.InfluxDB.Token != "env-token-123" || cfg.InfluxDB.Organization != "env-org" || cfg.InfluxDB.Bucket != "env-bucket" {
		t.Errorf("InfluxDB = %+v, want env overrides", cfg.InfluxDB)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("MQTT = %+v, want enabled with env broker", cfg.MQTT)
	}
	if cfg.Notifications.SlackWebhookURL == "" {
		t.Error("SLACK_WEBHOOK_URL not applied")
	}
	if cfg.Tracing.Endpoint != "http://localhost:4318" {
		t.Errorf("Tracing.Endpoint = %q", cfg.Tracing.Endpoint)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Cast.DiscoveryInterval != 10*time.Minute || cfg.Cast.PollInterval != time.Minute {
		t.Errorf("intervals = %v/%v, want 10m/1m", cfg.Cast.DiscoveryInterval, cfg.Cast.PollInterval)
	}
	if cfg.Cast.Number != 3 {
		t.Errorf("Number = %d, want 3", cfg.Cast.Number)
	}
}

func TestLoad_BadEnvironmentDurationIgnored(t *testing.T) {
	path := writeConfig(t, "cast:\n  poll_interval: 20s\n")
	t.Setenv("CAST_POLL_INTERVAL", "soon")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Cast.PollInterval != 20*time.Second {
		t.Errorf("PollInterval = %v, want file value kept", cfg.Cast.PollInterval)
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := writeConfig(t, "cast:\n  poll_interval: 20s\n")

	configChan := make(chan *Config, 1)
	w := NewWatcher(path, configChan)
	w.Start(context.Background())
	defer w.Stop()

	if err := os.WriteFile(path, []byte("cast:\n  poll_interval: 45s\n"), 0600); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	w.Reload()

	select {
	case cfg := <-configChan:
		if cfg.Cast.PollInterval != 45*time.Second {
			t.Errorf("PollInterval = %v, want 45s", cfg.Cast.PollInterval)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reloaded config was not delivered")
	}
}

func TestWatcher_InvalidReloadSkipped(t *testing.T) {
	path := writeConfig(t, "cast:\n  poll_interval: 20s\n")

	configChan := make(chan *Config, 1)
	w := NewWatcher(path, configChan)
	w.Start(context.Background())
	defer w.Stop()

	if err := os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0600); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	w.Reload()

	select {
	case cfg := <-configChan:
		t.Fatalf("invalid config delivered: %+v", cfg)
	case <-time.After(100 * time.Millisecond):
	}
}
