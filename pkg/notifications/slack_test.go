// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notifications

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soothill/cast-bridge/pkg/errors"
)

// webhook records every payload posted to it.
type webhook struct {
	mu       sync.Mutex
	payloads []SlackMessage
	status   int
}

func newWebhook(t *testing.T, status int) (*webhook, *httptest.Server) {
	t.Helper()
	w := &webhook{status: status}
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.mu.Lock()
		w.payloads = append(w.payloads, msg)
		w.mu.Unlock()
		rw.WriteHeader(w.status)
	}))
	t.Cleanup(server.Close)
	return w, server
}

func (w *webhook) last(t *testing.T) SlackMessage {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.payloads) == 0 {
		t.Fatal("webhook was not called")
	}
	return w.payloads[len(w.payloads)-1]
}

func (w *webhook) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

func TestNewSlackNotifier(t *testing.T) {
	if !NewSlackNotifier("https://hooks.slack.com/services/test").IsEnabled() {
		t.Error("notifier with webhook URL should be enabled")
	}
	if NewSlackNotifier("").IsEnabled() {
		t.Error("notifier without webhook URL should be disabled")
	}
}

func TestSlackNotifier_SendMessage(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)

	if err := NewSlackNotifier(server.URL).SendMessage(context.Background(), "Bridge started"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got := hook.last(t).Text; got != "Bridge started" {
		t.Errorf("text = %q", got)
	}
}

func TestSlackNotifier_Disabled(t *testing.T) {
	n := NewSlackNotifier("")
	ctx := context.Background()

	if err := n.SendMessage(ctx, "x"); err != nil {
		t.Errorf("SendMessage() error = %v", err)
	}
	if err := n.SendAlert(ctx, "warning", "x", "y"); err != nil {
		t.Errorf("SendAlert() error = %v", err)
	}
}

func TestSlackNotifier_SendAlert(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)

	err := NewSlackNotifier(server.URL).SendAlert(context.Background(), "warning", "Title", "Body")
	if err != nil {
		t.Fatalf("SendAlert() error = %v", err)
	}

	msg := hook.last(t)
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Attachments))
	}
	a := msg.Attachments[0]
	if a.Color != "warning" || a.Title != "Title" || a.Text != "Body" || a.Footer != "Cast Bridge" {
		t.Errorf("attachment = %+v", a)
	}
	if a.Ts == 0 {
		t.Error("timestamp not set")
	}
}

func TestSlackNotifier_DeviceAlerts(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	n := NewSlackNotifier(server.URL)
	ctx := context.Background()

	if err := n.SendDeviceLost(ctx, "Kitchen", "urn:castbridge:thing:Chromecast:1", errors.ErrConnectionClosed); err != nil {
		t.Fatalf("SendDeviceLost() error = %v", err)
	}
	lost := hook.last(t).Attachments[0]
	if lost.Title != "Device lost" || !strings.Contains(lost.Text, "Kitchen") || !strings.Contains(lost.Text, "connection closed") {
		t.Errorf("lost attachment = %+v", lost)
	}

	if err := n.SendDeviceFound(ctx, "Kitchen", "urn:castbridge:thing:Chromecast:1"); err != nil {
		t.Fatalf("SendDeviceFound() error = %v", err)
	}
	if found := hook.last(t).Attachments[0]; found.Color != "good" {
		t.Errorf("found attachment = %+v", found)
	}

	if err := n.SendDiscoveryFailure(ctx, stderrors.New("no multicast interface")); err != nil {
		t.Fatalf("SendDiscoveryFailure() error = %v", err)
	}
	if failed := hook.last(t).Attachments[0]; failed.Color != "danger" || !strings.Contains(failed.Text, "no multicast interface") {
		t.Errorf("discovery attachment = %+v", failed)
	}
}

func TestSlackNotifier_ServerError(t *testing.T) {
	_, server := newWebhook(t, http.StatusInternalServerError)

	err := NewSlackNotifier(server.URL).SendAlert(context.Background(), "danger", "x", "y")
	if err == nil {
		t.Fatal("SendAlert() should fail on server error")
	}
	if !errors.IsNotificationError(err) {
		t.Errorf("error = %v, want NotificationError", err)
	}
}

func TestSlackNotifier_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := NewSlackNotifier(server.URL).SendMessage(ctx, "x"); err == nil {
		t.Error("SendMessage() should fail when the context expires")
	}
}

func TestSlackNotifier_RateLimited(t *testing.T) {
	hook, server := newWebhook(t, http.StatusOK)
	n := NewSlackNotifier(server.URL)

	for range alertBurst + 3 {
		if err := n.SendAlert(context.Background(), "warning", "x", "y"); err != nil {
			t.Fatalf("SendAlert() error = %v", err)
		}
	}
	if got := hook.count(); got != alertBurst {
		t.Errorf("delivered = %d, want %d", got, alertBurst)
	}
}

func TestSeverityToColor(t *testing.T) {
	tests := map[string]string{
		"danger":  "danger",
		"error":   "danger",
		"warning": "warning",
		"warn":    "warning",
		"good":    "good",
		"info":    "good",
		"other":   "#808080",
	}
	for severity, want := range tests {
		if got := severityToColor(severity); got != want {
			t.Errorf("severityToColor(%q) = %q, want %q", severity, got, want)
		}
	}
}
