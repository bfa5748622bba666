// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/soothill/cast-bridge/pkg/logger"
)

// Watcher reloads the configuration file on SIGHUP and delivers each valid
// result on its channel. Invalid files are logged and skipped.
type Watcher struct {
	path       string
	configChan chan<- *Config
	reloadChan chan os.Signal
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string, configChan chan<- *Config) *Watcher {
	return &Watcher{
		path:       path,
		configChan: configChan,
		reloadChan: make(chan os.Signal, 1),
	}
}

// Start begins watching for SIGHUP signals to trigger a configuration reload.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	signal.Notify(w.reloadChan, syscall.SIGHUP)

	w.wg.Add(1)
	go w.watch(ctx)
}

// Stop stops the configuration watcher and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	signal.Stop(w.reloadChan)
	w.wg.Wait()
}

// Reload requests a reload as if SIGHUP had been received.
func (w *Watcher) Reload() {
	select {
	case w.reloadChan <- syscall.SIGHUP:
	default:
	}
}

// watch listens for reload signals and reloads the configuration.
func (w *Watcher) watch(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Str("path", w.path).Msg("Reloading configuration")
			cfg, err := Load(w.path)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to reload configuration")
				continue
			}
			select {
			case w.configChan <- cfg:
				logger.Info().Msg("Configuration reloaded successfully")
			case <-ctx.Done():
				return
			}
		}
	}
}
