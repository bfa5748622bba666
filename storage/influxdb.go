// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage records observed device state in InfluxDB.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/soothill/cast-bridge/pkg/logger"
	"github.com/soothill/cast-bridge/pkg/metrics"
)

const (
	// Measurement is the InfluxDB measurement holding device state.
	Measurement = "cast_state"

	connectTimeout = 5 * time.Second
	maxFluxString  = 1000
)

// InfluxDBStorage handles writing device state to InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// NewInfluxDBStorage creates a new InfluxDB storage client
func NewInfluxDBStorage(url, token, org, bucket string) (*InfluxDBStorage, error) {
	if url == "" {
		return nil, errors.NewStorageError("connect", "", fmt.Errorf("%w: empty url", errors.ErrInvalidConfig))
	}
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	s := &InfluxDBStorage{client: client, bucket: bucket, org: org}
	if err := s.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info().Str("url", url).Str("bucket", bucket).Msg("Connected to InfluxDB")

	s.writeAPI = client.WriteAPI(org, bucket)

	// Async write errors
	go func() {
		for err := range s.writeAPI.Errors() {
			metrics.StateWriteErrors.Inc()
			logger.Error().Err(err).Msg("InfluxDB write error")
		}
	}()

	return s, nil
}

// Health reports whether the InfluxDB server answers its health endpoint.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return errors.NewStorageError("health", "", err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return errors.NewStorageError("health", "", fmt.Errorf("status %s: %s", health.Status, message))
	}
	return nil
}

// NewStatePoint converts a sample into a line-protocol point. Only the
// fields present in the sample are written; reachable is always written.
func NewStatePoint(sample *interfaces.StateSample) (*write.Point, error) {
	if sample == nil {
		return nil, errors.NewValidationError("sample", nil, "cannot be nil")
	}
	if sample.DeviceID == "" {
		return nil, errors.NewValidationError("device_id", "", "cannot be empty")
	}
	if sample.Timestamp.IsZero() {
		return nil, errors.NewValidationError("timestamp", sample.Timestamp, "cannot be zero")
	}

	fields := map[string]any{"reachable": sample.Reachable}
	if sample.Volume != nil {
		fields["volume"] = *sample.Volume
	}
	if sample.Muted != nil {
		fields["muted"] = *sample.Muted
	}
	if sample.Mode != nil {
		fields["mode"] = *sample.Mode
	}
	if sample.MediaContentID != nil {
		fields["media_content_id"] = *sample.MediaContentID
	}

	return influxdb2.NewPoint(
		Measurement,
		map[string]string{
			"device_id":   sample.DeviceID,
			"device_name": sample.DeviceName,
		},
		fields,
		sample.Timestamp,
	), nil
}

// WriteState queues a sample for writing. Writes are batched and flushed
// asynchronously by the client.
func (s *InfluxDBStorage) WriteState(sample *interfaces.StateSample) error {
	p, err := NewStatePoint(sample)
	if err != nil {
		return err
	}
	s.writeAPI.WritePoint(p)
	return nil
}

// WriteBatch writes multiple samples
func (s *InfluxDBStorage) WriteBatch(samples []*interfaces.StateSample) error {
	if samples == nil {
		return errors.NewValidationError("samples", nil, "cannot be nil")
	}

	for i, sample := range samples {
		if err := s.WriteState(sample); err != nil {
			return fmt.Errorf("failed to write sample at index %d: %w", i, err)
		}
	}
	return nil
}

// Flush forces all pending writes to complete
func (s *InfluxDBStorage) Flush() {
	s.writeAPI.Flush()
}

// Close closes the InfluxDB client and flushes pending writes
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	s.writeAPI.Flush()
	s.client.Close()
}

// latestStateQuery builds the Flux query returning the newest value of every
// field recorded for deviceID.
func latestStateQuery(bucket, deviceID string) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -24h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s")
			|> last()
	`, sanitizeFluxString(bucket), Measurement, sanitizeFluxString(deviceID))
}

// QueryLatestState retrieves the most recent recorded state for a device
func (s *InfluxDBStorage) QueryLatestState(ctx context.Context, deviceID string) (*interfaces.StateSample, error) {
	if deviceID == "" {
		return nil, errors.NewValidationError("device_id", "", "cannot be empty")
	}

	result, err := s.client.QueryAPI(s.org).Query(ctx, latestStateQuery(s.bucket, deviceID))
	if err != nil {
		return nil, errors.NewStorageError("query", deviceID, err)
	}
	defer func() {
		_ = result.Close()
	}()

	sample := &interfaces.StateSample{DeviceID: deviceID}
	for result.Next() {
		record := result.Record()

		if name, ok := record.ValueByKey("device_name").(string); ok {
			sample.DeviceName = name
		}
		if record.Time().After(sample.Timestamp) {
			sample.Timestamp = record.Time()
		}

		switch record.Field() {
		case "reachable":
			if val, ok := record.Value().(bool); ok {
				sample.Reachable = val
			}
		case "volume":
			if val, ok := record.Value().(float64); ok {
				sample.Volume = &val
			}
		case "muted":
			if val, ok := record.Value().(bool); ok {
				sample.Muted = &val
			}
		case "mode":
			if val, ok := record.Value().(string); ok {
				sample.Mode = &val
			}
		case "media_content_id":
			if val, ok := record.Value().(string); ok {
				sample.MediaContentID = &val
			}
		}
	}

	if result.Err() != nil {
		return nil, errors.NewStorageError("query", deviceID, result.Err())
	}

	return sample, nil
}

// sanitizeFluxString escapes s for use inside a double-quoted Flux string
// literal. Input is capped at maxFluxString bytes and NUL bytes are dropped.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxString {
		s = s[:maxFluxString]
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0:
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
