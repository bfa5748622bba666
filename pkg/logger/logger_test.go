// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"info", zerolog.InfoLevel, false},
		{"warn", zerolog.WarnLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"fatal", zerolog.FatalLevel, false},
		{"panic", zerolog.PanicLevel, false},
		{"DEBUG", zerolog.DebugLevel, false},
		{"", zerolog.InfoLevel, false},
		{"invalid", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLogLevel(tt.level)
			if level != tt.expected {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.level, level, tt.expected)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("parseLogLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestComponentTagsGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	Initialize("info")
	SetOutput(&buf)

	log := Component("queue")
	log.Info().Msg("started")

	out := buf.String()
	if !strings.Contains(out, "queue") || !strings.Contains(out, "started") {
		t.Errorf("component logger output = %q, want component name and message", out)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    string
		shouldLog   bool
	}{
		{"info logs at info level", "info", "info", true},
		{"debug filtered at info level", "info", "debug", false},
		{"warn logs at info level", "info", "warn", true},
		{"info filtered at error level", "error", "info", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Initialize(tt.configLevel)
			SetOutput(&buf)

			message := "test message for filtering"
			switch tt.logLevel {
			case "debug":
				Debug().Msg(message)
			case "info":
				Info().Msg(message)
			case "warn":
				Warn().Msg(message)
			}

			hasMessage := strings.Contains(buf.String(), message)
			if tt.shouldLog != hasMessage {
				t.Errorf("logged = %v, want %v (config %s, message level %s)", hasMessage, tt.shouldLog, tt.configLevel, tt.logLevel)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	defer func() { _ = SetLevel("info") }()

	var buf bytes.Buffer
	Initialize("info")
	SetOutput(&buf)

	Debug().Msg("hidden")
	_ = SetLevel("debug")
	Debug().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("output = %q, want only the message logged after SetLevel", out)
	}
}

func TestSetLevelRejectsUnknown(t *testing.T) {
	defer func() { _ = SetLevel("info") }()

	if err := SetLevel("loud"); err == nil {
		t.Fatal("SetLevel(\"loud\") should fail")
	}
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Errorf("global level = %v, want info", got)
	}
}
