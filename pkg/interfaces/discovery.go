// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"net"
	"strconv"
)

// Descriptor describes one candidate device found by discovery.
type Descriptor struct {
	DeviceType   string // Device-class tag, e.g. the mDNS service type
	Manufacturer string
	Address      net.IP
	Port         int
	UUID         string // Manufacturer-scoped unique token
	DisplayName  string
	ModelName    string
	TXTRecord    map[string]string
}

// HostPort returns the dialable address of the device.
func (d *Descriptor) HostPort() string {
	if d.Address == nil {
		return ""
	}
	return net.JoinHostPort(d.Address.String(), strconv.Itoa(d.Port))
}

// Discoverer finds candidate devices on the network.
type Discoverer interface {
	// Search starts an unbounded scan. Each qualifying device is sent once
	// per call; the channel is closed when ctx is done.
	Search(ctx context.Context) (<-chan *Descriptor, error)
}

// Connector opens a control connection to a discovered device.
type Connector interface {
	Connect(ctx context.Context, desc *Descriptor) (Controller, error)
}
