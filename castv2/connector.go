// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package castv2

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
)

// Connector dials discovered receivers. It implements interfaces.Connector.
type Connector struct {
	Timeout   time.Duration // Dial and handshake limit
	Heartbeat time.Duration
	AppID     string
	Logger    zerolog.Logger
}

// Connect opens a Client to the receiver described by desc.
func (c *Connector) Connect(ctx context.Context, desc *interfaces.Descriptor) (interfaces.Controller, error) {
	if desc == nil || desc.Address == nil {
		return nil, errors.NewValidationError("address", nil, "descriptor has no address")
	}
	port := desc.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(desc.Address.String(), strconv.Itoa(port))

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	opts := []Option{
		WithLogger(c.Logger.With().Str("device_id", desc.UUID).Logger()),
		WithAppID(c.AppID),
	}
	if c.Heartbeat != 0 {
		opts = append(opts, WithHeartbeat(c.Heartbeat))
	}

	client, err := Dial(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}
