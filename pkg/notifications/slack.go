// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications delivers operator alerts for bridge events.
//
// Alerts go to a Slack Incoming Webhook as colour-coded attachments. An
// empty webhook URL disables the notifier and every send becomes a no-op,
// so callers never need to check for configuration first.
//
// Sends are rate limited. A flapping network that drops every device at once
// produces a handful of alerts, not one per device; the overflow is logged
// and dropped.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	footer        = "Cast Bridge"
	httpTimeout   = 10 * time.Second
	alertsPerHour = 30
	alertBurst    = 5
)

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
	limiter    *rate.Limiter
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		enabled:    webhookURL != "",
		limiter:    rate.NewLimiter(rate.Every(time.Hour/alertsPerHour), alertBurst),
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	return s.enabled
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}
	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping alert")
		return nil
	}
	if !s.limiter.Allow() {
		logger.Warn().Str("title", title).Msg("Slack alert rate limit exceeded, dropping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}
	return s.sendPayload(ctx, payload)
}

// SendDeviceLost reports a connected device that was forgotten.
func (s *SlackNotifier) SendDeviceLost(ctx context.Context, name, id string, cause error) error {
	msg := fmt.Sprintf("%s (%s) is no longer reachable and has been forgotten.", name, id)
	if cause != nil {
		msg += fmt.Sprintf("\nCause: %v", cause)
	}
	return s.SendAlert(ctx, "warning", "Device lost", msg)
}

// SendDeviceFound reports a device that connected.
func (s *SlackNotifier) SendDeviceFound(ctx context.Context, name, id string) error {
	return s.SendAlert(ctx, "good", "Device connected", fmt.Sprintf("%s (%s) is connected.", name, id))
}

// SendDiscoveryFailure sends an alert when a discovery scan cannot start
func (s *SlackNotifier) SendDiscoveryFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "Device discovery failure",
		fmt.Sprintf("Failed to search for cast devices: %v", err))
}

// sendPayload sends a payload to the Slack webhook
func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.NewNotificationError("slack", fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.NewNotificationError("slack", fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success", "info":
		return "good"
	default:
		return "#808080"
	}
}
