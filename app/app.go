// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app hosts the cast bridge: it owns the exemplar, keeps a registry
// of connected instances by identity and forwards their state to the
// configured sinks.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/soothill/cast-bridge/bridge"
	"github.com/soothill/cast-bridge/castv2"
	"github.com/soothill/cast-bridge/config"
	"github.com/soothill/cast-bridge/discovery"
	"github.com/soothill/cast-bridge/httpapi"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/soothill/cast-bridge/pkg/logger"
	"github.com/soothill/cast-bridge/pkg/metrics"
	"github.com/soothill/cast-bridge/pkg/mqtt"
	"github.com/soothill/cast-bridge/pkg/notifications"
	"github.com/soothill/cast-bridge/storage"
)

const (
	alertContextTimeout = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
	flushTimeout        = 10 * time.Second
	readHeaderTimeout   = 5 * time.Second
)

// Publisher is the MQTT surface the host drives.
type Publisher interface {
	interfaces.StatePublisher
	Clear(deviceID string) error
	SubscribeCommands(h mqtt.CommandHandler) error
	Close()
}

// Alerter sends operator alerts for device events.
type Alerter interface {
	interfaces.Notifier
	SendDeviceLost(ctx context.Context, name, id string, cause error) error
	SendDeviceFound(ctx context.Context, name, id string) error
	SendDiscoveryFailure(ctx context.Context, err error) error
}

// Option overrides a collaborator New would otherwise build from config.
type Option func(*App)

// WithDiscoverer replaces the mDNS scanner.
func WithDiscoverer(d interfaces.Discoverer) Option { return func(a *App) { a.discoverer = d } }

// WithConnector replaces the Cast V2 connector.
func WithConnector(c interfaces.Connector) Option { return func(a *App) { a.connector = c } }

// WithRecorder replaces the InfluxDB recorder.
func WithRecorder(r interfaces.StateRecorder) Option { return func(a *App) { a.recorder = r } }

// WithPublisher replaces the MQTT publisher.
func WithPublisher(p Publisher) Option { return func(a *App) { a.publisher = p } }

// WithAlerter replaces the Slack notifier.
func WithAlerter(n Alerter) Option { return func(a *App) { a.alerter = n } }

// WithoutHTTP skips the HTTP listener. The API is still available through Handler.
func WithoutHTTP() Option { return func(a *App) { a.noHTTP = true } }

// App represents the main application
type App struct {
	discoverer interfaces.Discoverer
	connector  interfaces.Connector
	recorder   interfaces.StateRecorder
	publisher  Publisher
	alerter    Alerter
	noHTTP     bool

	exemplar *bridge.Bridge
	api      *httpapi.Server
	server   *http.Server

	mu      sync.RWMutex
	cfg     *config.Config
	devices map[string]*bridge.Bridge

	configChan chan *config.Config
	rescan     chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// New creates a new application instance. Collaborators not supplied as
// options are built from cfg.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		devices:    make(map[string]*bridge.Bridge),
		configChan: make(chan *config.Config),
		rescan:     make(chan struct{}, 1),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initializeComponents(); err != nil {
		a.closeSinks()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	a.exemplar = bridge.NewExemplar(
		bridge.Capabilities{Discoverer: a.discoverer, Connector: a.connector},
		bridge.Events{Discovered: a.onDiscovered, Pulled: a.onPulled},
		bridge.Options{
			PollInterval:   cfg.Cast.PollInterval,
			CommandTimeout: cfg.Cast.CommandTimeout,
			ConnectTimeout: cfg.Cast.ConnectTimeout,
			Number:         cfg.Cast.Number,
			Known:          a.known,
			Logger:         logger.Component("cast"),
		},
	)

	a.api = httpapi.New(httpapi.Options{
		Registry:  a,
		Recorder:  a.recorder,
		RateLimit: cfg.HTTP.RateLimit,
		Burst:     cfg.HTTP.Burst,
	})
	a.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.api,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// initializeComponents builds every collaborator not supplied as an option.
func (a *App) initializeComponents() error {
	cfg := a.cfg

	if a.alerter == nil {
		notifier := notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
		if notifier.IsEnabled() {
			logger.Info().Msg("Slack notifications enabled")
		} else {
			logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
		}
		a.alerter = notifier
	}

	if a.discoverer == nil {
		sig := discovery.DefaultSignature()
		sig.DeviceType = cfg.Cast.ServiceType
		sig.Models = cfg.Cast.Models
		a.discoverer = discovery.NewScanner(cfg.Cast.ServiceType, cfg.Cast.Domain,
			discovery.WithSignature(sig),
			discovery.WithLogger(logger.Component("discovery")),
		)
	}

	if a.connector == nil {
		a.connector = &castv2.Connector{
			Timeout:   cfg.Cast.ConnectTimeout,
			Heartbeat: cfg.Cast.Heartbeat,
			Logger:    logger.Component("castv2"),
		}
	}

	if a.recorder == nil && cfg.InfluxDB.Enabled {
		influxDB, err := storage.NewInfluxDBStorage(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
		)
		if err != nil {
			return fmt.Errorf("failed to initialize InfluxDB: %w", err)
		}
		a.recorder = storage.NewGuardedRecorder(influxDB, a.alerter, storage.GuardOptions{})
	}

	if a.publisher == nil && cfg.MQTT.Enabled {
		pub, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		a.publisher = pub
	}
	return nil
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.api }

// ConfigUpdates receives reloaded configurations. Connect a config.Watcher to it.
func (a *App) ConfigUpdates() chan<- *config.Config { return a.configChan }

// Run starts discovery and blocks until ctx is cancelled or Shutdown is
// called, then releases every device.
func (a *App) Run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			a.cancel()
		case <-a.ctx.Done():
		}
	}()

	a.startHTTPServer()
	a.subscribeCommands()
	a.discover()
	a.runMainLoop()
}

// Shutdown stops Run.
func (a *App) Shutdown() {
	a.cancel()
}

// Rescan requests an immediate discovery pass.
func (a *App) Rescan() {
	select {
	case a.rescan <- struct{}{}:
	default:
	}
}

func (a *App) config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// startHTTPServer starts the API, metrics and health check server
func (a *App) startHTTPServer() {
	if a.noHTTP {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting HTTP API server")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

// subscribeCommands routes MQTT desired-state messages to their bridges.
func (a *App) subscribeCommands() {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.SubscribeCommands(a.handleCommand); err != nil {
		logger.Error().Err(err).Msg("Failed to subscribe to MQTT commands")
	}
}

func (a *App) handleCommand(id string, payload []byte) {
	b, ok := a.Bridge(id)
	if !ok {
		logger.Debug().Str("device_id", id).Msg("Ignoring command for unknown device")
		return
	}
	var desired map[string]any
	if err := json.Unmarshal(payload, &desired); err != nil {
		logger.Warn().Err(err).Str("device_id", id).Msg("Ignoring malformed command")
		return
	}
	c, err := b.PushMap(desired)
	if err != nil {
		logger.Warn().Err(err).Str("device_id", id).Msg("Rejected command")
		return
	}
	go func() {
		if err := c.Err(); err != nil {
			logger.Warn().Err(err).Str("device_id", id).Msg("Command failed")
		}
	}()
}

// discover starts a discovery pass on the exemplar.
func (a *App) discover() {
	logger.Info().Msg("Starting device discovery")
	err := a.exemplar.Discover(a.ctx)
	if err == nil {
		return
	}

	logger.Error().Err(err).Msg("Discovery failed")
	if a.alerter != nil && a.alerter.IsEnabled() {
		alertCtx, alertCancel := context.WithTimeout(context.Background(), alertContextTimeout)
		defer alertCancel()
		if notifyErr := a.alerter.SendDiscoveryFailure(alertCtx, err); notifyErr != nil {
			logger.Error().Err(notifyErr).Msg("Failed to send discovery failure alert")
		}
	}
}

// runMainLoop rescans every discovery interval and applies reloaded config.
func (a *App) runMainLoop() {
	interval := a.config().Cast.DiscoveryInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			logger.Info().Msg("Shutting down")
			a.performCleanup()
			return
		case <-ticker.C:
			a.restartDiscovery()
		case <-a.rescan:
			a.restartDiscovery()
		case cfg := <-a.configChan:
			a.UpdateConfig(cfg)
			if cfg.Cast.DiscoveryInterval != interval {
				interval = cfg.Cast.DiscoveryInterval
				ticker.Reset(interval)
				logger.Info().Dur("discovery_interval", interval).Msg("Discovery interval updated")
			}
		}
	}
}

func (a *App) restartDiscovery() {
	if a.ctx.Err() != nil {
		return
	}
	a.exemplar.StopDiscovery()
	a.discover()
}

// UpdateConfig applies the hot-reloadable settings of cfg.
func (a *App) UpdateConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	bridges := a.snapshot()
	a.mu.Unlock()

	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		logger.Warn().Err(err).Msg("Keeping info log level")
	}
	a.exemplar.SetPollInterval(cfg.Cast.PollInterval)
	for _, b := range bridges {
		b.SetPollInterval(cfg.Cast.PollInterval)
	}
	logger.Info().Dur("poll_interval", cfg.Cast.PollInterval).Int("devices", len(bridges)).
		Msg("Application configuration updated")
}

// known reports whether identity is already held and reachable.
func (a *App) known(identity string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.devices[identity]
	return ok && b.Reachable()
}

// onDiscovered registers a confirmed device and connects it.
func (a *App) onDiscovered(b *bridge.Bridge) {
	id := b.Identity()
	h := b.Handle()

	a.mu.Lock()
	if old, ok := a.devices[id]; ok && old.Reachable() {
		a.mu.Unlock()
		logger.Debug().Str("device_id", id).Msg("Device already held, dropping duplicate")
		b.Disconnect()
		return
	}
	a.devices[id] = b
	cfg := a.cfg
	a.mu.Unlock()

	logger.Info().Str("device_id", id).Str("device_name", h.DisplayName()).
		Str("address", h.Address()).Msg("Device discovered")

	if a.publisher != nil {
		if err := a.publisher.PublishMeta(id, h.Meta().Map()); err != nil {
			logger.Warn().Err(err).Str("device_id", id).Msg("Failed to publish device metadata")
		}
	}

	a.wg.Add(1)
	go a.watchForgotten(b)

	poll := cfg.Cast.PollInterval
	if err := b.Connect(bridge.ConnectOptions{PollInterval: &poll, CommandTimeout: cfg.Cast.CommandTimeout}); err != nil {
		logger.Error().Err(err).Str("device_id", id).Msg("Failed to connect device")
		b.Disconnect()
		return
	}

	if a.alerter != nil && a.alerter.IsEnabled() {
		go a.alert(func(ctx context.Context) error {
			return a.alerter.SendDeviceFound(ctx, h.DisplayName(), id)
		})
	}
}

// watchForgotten deregisters b once its last state has been delivered.
func (a *App) watchForgotten(b *bridge.Bridge) {
	defer a.wg.Done()
	<-b.Forgotten()

	id := b.Identity()
	h := b.Handle()

	a.mu.Lock()
	owned := a.devices[id] == b
	if owned {
		delete(a.devices, id)
	}
	a.mu.Unlock()

	if !owned {
		logger.Debug().Str("device_id", id).Msg("Superseded instance forgotten")
		return
	}

	metrics.CurrentVolume.DeleteLabelValues(id, h.DisplayName())
	metrics.CurrentMuted.DeleteLabelValues(id, h.DisplayName())
	if a.publisher != nil {
		if err := a.publisher.Clear(id); err != nil {
			logger.Warn().Err(err).Str("device_id", id).Msg("Failed to clear retained device topics")
		}
	}
	logger.Info().Str("device_id", id).Str("device_name", h.DisplayName()).Msg("Device forgotten")

	if a.ctx.Err() == nil && a.alerter != nil && a.alerter.IsEnabled() {
		a.alert(func(ctx context.Context) error {
			return a.alerter.SendDeviceLost(ctx, h.DisplayName(), id, nil)
		})
	}
}

func (a *App) alert(send func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to send alert")
	}
}

// onPulled forwards an observed-state update to every sink.
func (a *App) onPulled(h *bridge.Handle, s bridge.ObservedState) {
	sample := s.Sample(h, time.Now())

	if sample.Volume != nil {
		metrics.CurrentVolume.WithLabelValues(sample.DeviceID, sample.DeviceName).Set(*sample.Volume)
	}
	if sample.Muted != nil {
		muted := 0.0
		if *sample.Muted {
			muted = 1
		}
		metrics.CurrentMuted.WithLabelValues(sample.DeviceID, sample.DeviceName).Set(muted)
	}

	if a.recorder != nil {
		if err := a.recorder.WriteState(sample); err != nil {
			logger.Error().Err(err).Str("device_id", sample.DeviceID).Msg("Failed to record state")
		}
	}
	if a.publisher != nil {
		if err := a.publisher.PublishState(sample); err != nil {
			logger.Warn().Err(err).Str("device_id", sample.DeviceID).Msg("Failed to publish state")
		}
	}
}

// snapshot copies the registry. Callers hold a.mu.
func (a *App) snapshot() []*bridge.Bridge {
	out := make([]*bridge.Bridge, 0, len(a.devices))
	for _, b := range a.devices {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

// Bridge returns the instance holding identity.
func (a *App) Bridge(id string) (*bridge.Bridge, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.devices[id]
	return b, ok
}

// Bridges returns every registered instance ordered by identity.
func (a *App) Bridges() []*bridge.Bridge {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot()
}

// Device implements httpapi.Registry.
func (a *App) Device(id string) (httpapi.Device, bool) {
	b, ok := a.Bridge(id)
	if !ok {
		return nil, false
	}
	return b, true
}

// Devices implements httpapi.Registry.
func (a *App) Devices() []httpapi.Device {
	bridges := a.Bridges()
	out := make([]httpapi.Device, len(bridges))
	for i, b := range bridges {
		out[i] = b
	}
	return out
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	bridges := a.Bridges()
	logger.Info().
		Str("exemplar_state", a.exemplar.State().String()).
		Int("devices", len(bridges)).
		Msg("Bridge state")

	for _, b := range bridges {
		h := b.Handle()
		logger.Info().
			Str("device_id", b.Identity()).
			Str("device_name", h.DisplayName()).
			Str("address", h.Address()).
			Str("state", b.State().String()).
			Bool("reachable", b.Reachable()).
			Dur("poll_interval", b.PollInterval()).
			Int("queued", b.QueueLen()).
			Interface("observed", b.Observed().Map()).
			Msg("Bridged device")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// performCleanup releases every device, stops the server and flushes sinks.
func (a *App) performCleanup() {
	a.exemplar.StopDiscovery()
	for _, b := range a.Bridges() {
		b.Disconnect()
	}

	if !a.noHTTP {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		} else {
			logger.Info().Msg("HTTP server stopped")
		}
		shutdownCancel()
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()

	a.closeSinks()
	logger.Info().Msg("All goroutines finished, exiting")
}

// closeSinks flushes and closes the recorder and publisher.
func (a *App) closeSinks() {
	if a.recorder != nil {
		flushDone := make(chan struct{})
		go func() {
			a.recorder.Close()
			close(flushDone)
		}()
		select {
		case <-flushDone:
			logger.Info().Msg("State recorder flushed")
		case <-time.After(flushTimeout):
			logger.Warn().Msg("State recorder flush timeout - some data may be lost")
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
}
