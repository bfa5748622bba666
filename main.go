// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/soothill/cast-bridge/app"
	"github.com/soothill/cast-bridge/bridge"
	"github.com/soothill/cast-bridge/config"
	"github.com/soothill/cast-bridge/discovery"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/soothill/cast-bridge/pkg/logger"
	"github.com/soothill/cast-bridge/storage"
)

const (
	healthCheckTimeout = 5 * time.Second
	defaultScanTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	scan := flag.Bool("scan", false, "List cast devices on the network and exit")
	scanTimeout := flag.Duration("scan-timeout", defaultScanTimeout, "How long -scan listens for devices")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath, os.Stdout))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)

	if *scan {
		os.Exit(performScan(cfg, *scanTimeout, os.Stdout))
	}

	logger.Info().Msg("Starting Cast Bridge")
	logger.Info().Dur("discovery_interval", cfg.Cast.DiscoveryInterval).
		Dur("poll_interval", cfg.Cast.PollInterval).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Error().Err(err).Msg("Tracing disabled: exporter setup failed")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	application, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	configWatcher := config.NewWatcher(*configPath, application.ConfigUpdates())
	configWatcher.Start(ctx)
	defer configWatcher.Stop()

	setupDebugSignalHandlers(application)

	application.Run(ctx)
}

// performHealthCheck checks the configured backends and returns an exit code
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	if !cfg.InfluxDB.Enabled {
		fmt.Println("Health check passed: no state recorder configured")
		return 0
	}

	influxDB, err := storage.NewInfluxDBStorage(
		cfg.InfluxDB.URL,
		cfg.InfluxDB.Token,
		cfg.InfluxDB.Organization,
		cfg.InfluxDB.Bucket,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not create InfluxDB client: %v\n", err)
		return 1
	}
	defer influxDB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := influxDB.Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: InfluxDB is unhealthy: %v\n", err)
		return 1
	}

	fmt.Println("Health check passed: InfluxDB is healthy")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string, out io.Writer) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\nConfiguration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\nConfiguration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	enabled := func(b bool) string {
		if b {
			return "Enabled"
		}
		return "Disabled"
	}

	fmt.Fprintln(out, "\nConfiguration validation PASSED")
	fmt.Fprintln(out, "\nConfiguration summary:")
	fmt.Fprintf(out, "  Service Type: %s\n", cfg.Cast.ServiceType)
	fmt.Fprintf(out, "  Domain: %s\n", cfg.Cast.Domain)
	fmt.Fprintf(out, "  Discovery Interval: %s\n", cfg.Cast.DiscoveryInterval)
	fmt.Fprintf(out, "  Poll Interval: %s\n", cfg.Cast.PollInterval)
	fmt.Fprintf(out, "  Command Timeout: %s\n", cfg.Cast.CommandTimeout)
	fmt.Fprintf(out, "  HTTP Address: %s\n", cfg.HTTP.Addr)
	fmt.Fprintf(out, "  InfluxDB: %s\n", enabled(cfg.InfluxDB.Enabled))
	if cfg.InfluxDB.Enabled {
		fmt.Fprintf(out, "    URL: %s\n", cfg.InfluxDB.URL)
		fmt.Fprintf(out, "    Organization: %s\n", cfg.InfluxDB.Organization)
		fmt.Fprintf(out, "    Bucket: %s\n", cfg.InfluxDB.Bucket)
	}
	fmt.Fprintf(out, "  MQTT: %s\n", enabled(cfg.MQTT.Enabled))
	if cfg.MQTT.Enabled {
		fmt.Fprintf(out, "    Broker: %s\n", cfg.MQTT.Broker)
		fmt.Fprintf(out, "    Topic Prefix: %s\n", cfg.MQTT.TopicPrefix)
	}
	fmt.Fprintf(out, "  Slack Notifications: %s\n", enabled(cfg.Notifications.SlackWebhookURL != ""))
	fmt.Fprintf(out, "  Tracing: %s\n", enabled(cfg.Tracing.Endpoint != ""))
	fmt.Fprintf(out, "  Log Level: %s\n", cfg.Logging.Level)

	fmt.Fprintln(out, "\nAll validation checks passed. Configuration is ready for use.")
	return 0
}

// performScan lists the devices a bounded discovery finds.
func performScan(cfg *config.Config, timeout time.Duration, out io.Writer) int {
	sig := discovery.DefaultSignature()
	sig.DeviceType = cfg.Cast.ServiceType
	sig.Models = cfg.Cast.Models
	scanner := discovery.NewScanner(cfg.Cast.ServiceType, cfg.Cast.Domain,
		discovery.WithSignature(sig),
		discovery.WithLogger(logger.Component("discovery")),
	)

	devices, err := scanner.Discover(context.Background(), timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
		return 1
	}
	printDevices(out, devices, cfg.Cast.Number)
	return 0
}

func printDevices(out io.Writer, devices []*interfaces.Descriptor, number int) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No cast devices found")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODEL\tADDRESS\tIDENTITY")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.DisplayName, d.ModelName, d.HostPort(), bridge.Identity(d.UUID, number))
	}
	_ = tw.Flush()
}
