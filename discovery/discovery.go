// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery finds Cast devices via mDNS (multicast DNS).
//
// Cast receivers advertise themselves with the service type
// "_googlecast._tcp". Each advertisement includes TXT records containing:
//   - id: the receiver UUID (manufacturer-scoped unique token)
//   - fn: the friendly name set by the user
//   - md: the model name (e.g. "Chromecast", "Google Home Mini")
//   - ve, ca, st, rs: protocol version, capabilities, status and running app
//
// # Signature Filtering
//
// An advertisement qualifies only when it matches the scanner's Signature:
// the expected device class (service type), the manufacturer and, if
// configured, one of the allowed model names. Entries without an id record
// cannot be given a stable identity and never qualify. Non-matching entries
// are ignored silently.
//
// # Scan Sessions
//
// Search starts an unbounded scan that runs until its context is cancelled.
// Every call is a fresh scan session: a device is yielded at most once per
// session no matter how often it re-announces itself. Calling Search again
// restarts the scan and yields every device again.
//
// # Thread Safety
//
// All scanner operations are thread-safe. The scanner keeps a map of every
// device seen by any session, guarded by a read-write lock, for GetDevices
// and GetDeviceByID.
//
// # Example Usage
//
//	scanner := discovery.NewScanner("_googlecast._tcp", "local.")
//
//	found, err := scanner.Search(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for desc := range found {
//	    fmt.Printf("Found %s (%s) at %s\n", desc.DisplayName, desc.ModelName, desc.HostPort())
//	}
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/soothill/cast-bridge/pkg/metrics"
)

const (
	// ServiceType is the mDNS service type advertised by Cast receivers
	ServiceType = "_googlecast._tcp"

	// Manufacturer is stamped on every descriptor found under ServiceType
	Manufacturer = "Google Inc."

	entriesBufferSize = 10
)

// Browser browses an mDNS service. *zeroconf.Resolver satisfies it.
type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Signature describes which advertisements qualify.
type Signature struct {
	DeviceType   string   // Required device-class tag
	Manufacturer string   // Required manufacturer
	Models       []string // Allowed model names; empty allows every model
}

// DefaultSignature matches every Cast receiver.
func DefaultSignature() Signature {
	return Signature{DeviceType: ServiceType, Manufacturer: Manufacturer}
}

// Matches reports whether desc satisfies the signature.
func (sig Signature) Matches(desc *interfaces.Descriptor) bool {
	if desc == nil || desc.UUID == "" || desc.Address == nil {
		return false
	}
	if sig.DeviceType != "" && !strings.EqualFold(desc.DeviceType, sig.DeviceType) {
		return false
	}
	if sig.Manufacturer != "" && desc.Manufacturer != sig.Manufacturer {
		return false
	}
	if len(sig.Models) == 0 {
		return true
	}
	for _, model := range sig.Models {
		if strings.EqualFold(model, desc.ModelName) {
			return true
		}
	}
	return false
}

// Device represents a Cast receiver seen on the network
type Device struct {
	Name      string // mDNS instance name
	Service   string
	Address   net.IP
	Port      int
	TXTRecord map[string]string
	Hostname  string
}

// GetDeviceID returns the receiver UUID, falling back to address:port
func (d *Device) GetDeviceID() string {
	if d.TXTRecord != nil {
		if id, ok := d.TXTRecord["id"]; ok && id != "" {
			return id
		}
	}
	return net.JoinHostPort(d.Address.String(), fmt.Sprint(d.Port))
}

// FriendlyName returns the user-assigned name, falling back to the instance name
func (d *Device) FriendlyName() string {
	if fn := d.TXTRecord["fn"]; fn != "" {
		return fn
	}
	return d.Name
}

// Descriptor converts the device into the form handed to a Connector
func (d *Device) Descriptor() *interfaces.Descriptor {
	txt := make(map[string]string, len(d.TXTRecord))
	for k, v := range d.TXTRecord {
		txt[k] = v
	}
	return &interfaces.Descriptor{
		DeviceType:   d.Service,
		Manufacturer: Manufacturer,
		Address:      d.Address,
		Port:         d.Port,
		UUID:         normalizeUUID(d.TXTRecord["id"]),
		DisplayName:  d.FriendlyName(),
		ModelName:    d.TXTRecord["md"],
		TXTRecord:    txt,
	}
}

// Receivers advertise their UUID as 32 hex digits without dashes.
func normalizeUUID(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithBrowser replaces the zeroconf resolver.
func WithBrowser(b Browser) Option {
	return func(s *Scanner) { s.browser = b }
}

// WithSignature replaces DefaultSignature.
func WithSignature(sig Signature) Option {
	return func(s *Scanner) { s.signature = sig }
}

// WithLogger sets the scanner's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scanner) { s.log = log }
}

// Scanner handles Cast device discovery via mDNS
type Scanner struct {
	serviceType string
	domain      string
	signature   Signature
	browser     Browser
	log         zerolog.Logger

	devices map[string]*Device
	mu      sync.RWMutex // Protects devices map
}

// NewScanner creates a new device scanner
func NewScanner(serviceType, domain string, opts ...Option) *Scanner {
	s := &Scanner{
		serviceType: serviceType,
		domain:      domain,
		signature:   DefaultSignature(),
		log:         zerolog.Nop(),
		devices:     make(map[string]*Device),
	}
	s.signature.DeviceType = serviceType
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "discovery").Logger()
	return s
}

func (s *Scanner) resolver() (Browser, error) {
	if s.browser != nil {
		return s.browser, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.NewDiscoveryError("create resolver", err)
	}
	return resolver, nil
}

// Search starts a scan session. Each qualifying device is sent once on the
// returned channel, which is closed when ctx is done or the browser stops.
func (s *Scanner) Search(ctx context.Context) (<-chan *interfaces.Descriptor, error) {
	browser, err := s.resolver()
	if err != nil {
		metrics.DiscoveryErrors.Inc()
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry, entriesBufferSize)
	if err := browser.Browse(ctx, s.serviceType, s.domain, entries); err != nil {
		metrics.DiscoveryErrors.Inc()
		return nil, errors.NewDiscoveryError("mDNS browse", err)
	}

	out := make(chan *interfaces.Descriptor)
	go func() {
		defer close(out)
		seen := make(map[string]struct{})
		for {
			var entry *zeroconf.ServiceEntry
			var ok bool
			select {
			case <-ctx.Done():
				return
			case entry, ok = <-entries:
				if !ok {
					return
				}
			}

			device := s.parseServiceEntry(entry)
			if device == nil {
				continue
			}
			desc := device.Descriptor()
			if !s.signature.Matches(desc) {
				s.log.Debug().Str("instance", device.Name).Str("model", desc.ModelName).
					Msg("Ignoring non-matching advertisement")
				continue
			}
			if _, dup := seen[desc.UUID]; dup {
				continue
			}
			seen[desc.UUID] = struct{}{}

			s.mu.Lock()
			s.devices[desc.UUID] = device
			s.mu.Unlock()

			metrics.DevicesDiscovered.Inc()
			s.log.Info().
				Str("device_id", desc.UUID).
				Str("device_name", desc.DisplayName).
				Str("model", desc.ModelName).
				Str("address", desc.Address.String()).
				Int("port", desc.Port).
				Msg("Discovered Cast device")

			select {
			case out <- desc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Discover performs a single bounded scan and returns the qualifying devices
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*interfaces.Descriptor, error) {
	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found, err := s.Search(discoverCtx)
	if err != nil {
		return nil, err
	}

	discovered := make([]*interfaces.Descriptor, 0)
	for desc := range found {
		discovered = append(discovered, desc)
	}
	return discovered, nil
}

// parseServiceEntry converts a zeroconf service entry to a Device
func (s *Scanner) parseServiceEntry(entry *zeroconf.ServiceEntry) *Device {
	if entry == nil {
		return nil
	}

	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return nil
	}

	// Prefer IPv4, fallback to IPv6
	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else {
		addr = entry.AddrIPv6[0]
	}

	txtRecord := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			txtRecord[parts[0]] = parts[1]
		}
	}

	service := entry.Service
	if service == "" {
		service = s.serviceType
	}

	return &Device{
		Name:      entry.Instance,
		Service:   service,
		Address:   addr,
		Port:      entry.Port,
		TXTRecord: txtRecord,
		Hostname:  entry.HostName,
	}
}

// GetDevices returns every device seen by any scan
func (s *Scanner) GetDevices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*Device, 0, len(s.devices))
	for _, device := range s.devices {
		devices = append(devices, device)
	}
	return devices
}

// GetDeviceByID returns a device by its UUID, or nil if not found
func (s *Scanner) GetDeviceByID(deviceID string) *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[normalizeUUID(deviceID)]
}
