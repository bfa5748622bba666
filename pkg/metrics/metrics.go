// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the Cast bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command outcome label values
const (
	OutcomeSuccess     = "success"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeInternal    = "internal"
	OutcomeCancelled   = "cancelled"
)

var (
	// DevicesDiscovered tracks the number of devices yielded by discovery scans
	DevicesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_devices_discovered_total",
		Help: "Total number of qualifying devices yielded by discovery",
	})

	// DevicesConnected tracks the number of devices currently held by a bridge
	DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "castbridge_devices_connected",
		Help: "Number of devices with a live bridge connection",
	})

	// DevicesForgotten tracks how many bridges reached the forgotten state
	DevicesForgotten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_devices_forgotten_total",
		Help: "Total number of bridges that forgot their device",
	})

	// ConnectErrors tracks failed connection attempts to discovered devices
	ConnectErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_connect_errors_total",
		Help: "Total number of failed connection attempts to discovered devices",
	})

	// DiscoveryErrors tracks failed discovery scans
	DiscoveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_discovery_errors_total",
		Help: "Total number of discovery scans that failed to start",
	})

	// CommandsTotal counts finished queue items by command class and outcome
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbridge_commands_total",
		Help: "Total number of device commands by class and outcome",
	}, []string{"class", "outcome"})

	// CommandDuration tracks how long queued commands take to run
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "castbridge_command_duration_seconds",
		Help:    "Duration of device commands in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	// QueueDepth tracks pending items per device queue
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "castbridge_queue_depth",
		Help: "Number of commands waiting in a device queue",
	}, []string{"queue"})

	// CommandsSuperseded counts queue items replaced before they started
	CommandsSuperseded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "castbridge_commands_superseded_total",
		Help: "Total number of pending commands replaced by a newer command of the same class",
	}, []string{"class"})

	// PollTicks counts polling scheduler ticks
	PollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_poll_ticks_total",
		Help: "Total number of polling scheduler ticks",
	})

	// StatePublishes counts observed-state notifications sent to the host
	StatePublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_state_publishes_total",
		Help: "Total number of observed state notifications",
	})

	// CurrentVolume tracks the last observed volume per device
	CurrentVolume = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "castbridge_current_volume_ratio",
		Help: "Last observed volume level (0..1)",
	}, []string{"device_id", "device_name"})

	// CurrentMuted tracks the last observed mute flag per device
	CurrentMuted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "castbridge_current_muted",
		Help: "Last observed mute flag (1 muted, 0 not muted)",
	}, []string{"device_id", "device_name"})

	// StateWriteErrors tracks failed writes of observed state to InfluxDB
	StateWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "castbridge_state_write_errors_total",
		Help: "Total number of failed observed state writes",
	})
)
