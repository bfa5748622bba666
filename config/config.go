// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the Cast bridge.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/util"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Cast          CastConfig          `yaml:"cast"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HTTP          HTTPConfig          `yaml:"http"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// CastConfig holds Cast device discovery and control settings
type CastConfig struct {
	ServiceType       string        `yaml:"service_type" validate:"required"`
	Domain            string        `yaml:"domain" validate:"required"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" validate:"gte=1s,lte=24h"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gte=0s,lte=1h"` // 0 disables polling
	CommandTimeout    time.Duration `yaml:"command_timeout" validate:"gte=1s,lte=5m"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" validate:"gte=1s,lte=5m"`
	Heartbeat         time.Duration `yaml:"heartbeat" validate:"gte=0s,lte=1m"`
	Models            []string      `yaml:"models"`
	Number            int           `yaml:"number" validate:"gte=0"`
}

// InfluxDBConfig holds InfluxDB connection settings
type InfluxDBConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url" validate:"required_if=Enabled true"`
	Token        string `yaml:"token" validate:"required_if=Enabled true"`
	Organization string `yaml:"organization" validate:"required_if=Enabled true"`
	Bucket       string `yaml:"bucket" validate:"required_if=Enabled true"`
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker" validate:"required_if=Enabled true"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix" validate:"required,excludesall=+#"`
	QoS         byte   `yaml:"qos" validate:"lte=2"`
}

// HTTPConfig holds the API server settings
type HTTPConfig struct {
	Addr      string  `yaml:"addr" validate:"required,hostname_port"`
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"gte=1"`
}

// NotificationsConfig holds alert settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" validate:"omitempty,url"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error fatal panic"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Cast: CastConfig{
			ServiceType:       "_googlecast._tcp",
			Domain:            "local.",
			DiscoveryInterval: 5 * time.Minute,
			PollInterval:      30 * time.Second,
			CommandTimeout:    10 * time.Second,
			ConnectTimeout:    10 * time.Second,
			Heartbeat:         5 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "cast-bridge",
			TopicPrefix: "castbridge",
			QoS:         1,
		},
		HTTP: HTTPConfig{
			Addr:      "localhost:9090",
			RateLimit: 10,
			Burst:     20,
		},
		Tracing: TracingConfig{
			ServiceName: "cast-bridge",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file and applies environment variable overrides.
// Keys missing from the file keep their defaults, so an explicit zero (for
// example poll_interval: 0s) is preserved.
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies overrides, defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
		c.InfluxDB.Enabled = true
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}
	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		c.MQTT.Username = user
	}
	if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
		c.MQTT.Password = pass
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.Endpoint = endpoint
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		c.HTTP.Addr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	overrideDuration("CAST_DISCOVERY_INTERVAL", &c.Cast.DiscoveryInterval)
	overrideDuration("CAST_POLL_INTERVAL", &c.Cast.PollInterval)
	overrideDuration("CAST_COMMAND_TIMEOUT", &c.Cast.CommandTimeout)
	if number := os.Getenv("CAST_NUMBER"); number != "" {
		n, parseErr := strconv.Atoi(number)
		if parseErr == nil {
			c.Cast.Number = n
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse CAST_NUMBER '%s': %v\n", number, parseErr)
		}
	}
}

func overrideDuration(env string, dst *time.Duration) {
	value := os.Getenv(env)
	if value == "" {
		return
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse %s '%s': %v\n", env, value, err)
		return
	}
	*dst = duration
}

// setDefaults restores defaults for settings the file blanked out
func (c *Config) setDefaults() {
	def := Default()
	if c.Cast.ServiceType == "" {
		c.Cast.ServiceType = def.Cast.ServiceType
	}
	if c.Cast.Domain == "" {
		c.Cast.Domain = def.Cast.Domain
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}
	c.MQTT.TopicPrefix = strings.TrimSuffix(c.MQTT.TopicPrefix, "/")
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = def.Tracing.ServiceName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return configError(err)
	}

	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateMQTT(); validateErr != nil {
		return validateErr
	}

	if c.Cast.PollInterval > 0 && c.Cast.DiscoveryInterval < c.Cast.PollInterval {
		return errors.NewConfigError("cast.discovery_interval", c.Cast.DiscoveryInterval.String(),
			fmt.Errorf("%w: should be greater than or equal to cast.poll_interval", errors.ErrInvalidConfig))
	}

	return nil
}

// configError converts the first struct validation failure into a ConfigError
// named after the YAML key.
func configError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errors.NewConfigError("", "", fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
	}
	fe := verrs[0]
	return errors.NewConfigError(yamlPath(fe.Namespace()), fmt.Sprint(fe.Value()),
		fmt.Errorf("%w: failed %q constraint", errors.ErrInvalidConfig, fe.Tag()))
}

var yamlNames = map[string]string{
	"Cast": "cast", "InfluxDB": "influxdb", "MQTT": "mqtt", "HTTP": "http",
	"Notifications": "notifications", "Tracing": "tracing", "Logging": "logging",
	"ServiceType": "service_type", "Domain": "domain", "DiscoveryInterval": "discovery_interval",
	"PollInterval": "poll_interval", "CommandTimeout": "command_timeout",
	"ConnectTimeout": "connect_timeout", "Heartbeat": "heartbeat", "Number": "number",
	"URL": "url", "Token": "token", "Organization": "organization", "Bucket": "bucket",
	"Broker": "broker", "TopicPrefix": "topic_prefix", "QoS": "qos",
	"Addr": "addr", "RateLimit": "rate_limit", "Burst": "burst",
	"SlackWebhookURL": "slack_webhook_url", "Endpoint": "endpoint",
	"ServiceName": "service_name", "Level": "level",
}

// yamlPath turns "Config.Cast.PollInterval" into "cast.poll_interval".
func yamlPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if name, ok := yamlNames[p]; ok {
			parts[i] = name
		}
	}
	return strings.Join(parts, ".")
}

// validateInfluxDB validates the InfluxDB configuration
func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return errors.NewConfigError("influxdb.url", c.InfluxDB.URL,
			fmt.Errorf("%w: not a valid URL", errors.ErrInvalidConfig))
	}

	// Check for HTTPS in production-like URLs (not localhost/127.0.0.1)
	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	if len(c.InfluxDB.Token) < 8 {
		return errors.NewConfigError("influxdb.token", "",
			fmt.Errorf("%w: must be at least 8 characters long", errors.ErrInvalidConfig))
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}
	if !isLocalHost(parsedURL.Hostname()) {
		return errors.NewConfigError("influxdb.url", parsedURL.String(),
			fmt.Errorf("%w: must use HTTPS for non-local connections. Using HTTP transmits credentials in plaintext", errors.ErrInvalidConfig))
	}
	return nil
}

func isLocalHost(host string) bool {
	hostname := strings.ToLower(host)
	return hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")
}

// validateMQTT validates the MQTT configuration
func (c *Config) validateMQTT() error {
	if !c.MQTT.Enabled {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.MQTT.Broker)
	if parseErr != nil || parsedURL.Host == "" {
		return errors.NewConfigError("mqtt.broker", c.MQTT.Broker,
			fmt.Errorf("%w: must be a URL such as tcp://host:1883", errors.ErrInvalidConfig))
	}
	switch parsedURL.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return errors.NewConfigError("mqtt.broker", c.MQTT.Broker,
			fmt.Errorf("%w: unsupported scheme %q", errors.ErrInvalidConfig, parsedURL.Scheme))
	}
	if c.MQTT.Password != "" && (parsedURL.Scheme == "tcp" || parsedURL.Scheme == "mqtt" || parsedURL.Scheme == "ws") &&
		!isLocalHost(parsedURL.Hostname()) {
		return errors.NewConfigError("mqtt.broker", c.MQTT.Broker,
			fmt.Errorf("%w: credentials require a TLS broker for non-local connections", errors.ErrInvalidConfig))
	}
	return nil
}
