// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bridge

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/soothill/cast-bridge/pkg/interfaces"
)

const (
	// ThingClass names the device family in identities and display names.
	ThingClass = "Chromecast"

	identityPrefix = "urn:castbridge:thing:"
)

// identityNamespace scopes derived identities to this bridge.
var identityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/soothill/cast-bridge/thing"))

// Identity derives the stable identity of a device from its manufacturer
// token and optional instance number. The same inputs always give the same
// identity.
func Identity(token string, number int) string {
	name := ThingClass + "|" + strings.ToLower(token)
	if number != 0 {
		name += "|" + strconv.Itoa(number)
	}
	return identityPrefix + ThingClass + ":" + uuid.NewSHA1(identityNamespace, []byte(name)).String()
}

// Meta describes a device to the host.
type Meta struct {
	Identity     string `json:"identity"`
	DisplayName  string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Number       int    `json:"number,omitempty"`
}

// Map renders m with the attribute names the host model uses.
func (m Meta) Map() map[string]string {
	out := map[string]string{
		"iot:thing":           m.Identity,
		"schema:name":         m.DisplayName,
		"schema:manufacturer": m.Manufacturer,
		"schema:model":        m.Model,
	}
	if m.Number != 0 {
		out["iot:number"] = strconv.Itoa(m.Number)
	}
	return out
}

// Handle represents one physical device once confirmed. Its identity never
// changes; a handle is never reused after its bridge forgets the device.
type Handle struct {
	meta      Meta
	uuid      string
	address   string
	reachable atomic.Bool
}

func newHandle(desc *interfaces.Descriptor, number int) *Handle {
	name := desc.DisplayName
	if name == "" {
		name = ThingClass
	}
	return &Handle{
		meta: Meta{
			Identity:     Identity(desc.UUID, number),
			DisplayName:  name,
			Manufacturer: desc.Manufacturer,
			Model:        desc.ModelName,
			Number:       number,
		},
		uuid:    desc.UUID,
		address: desc.HostPort(),
	}
}

// Identity returns the stable identity.
func (h *Handle) Identity() string { return h.meta.Identity }

// DisplayName returns the device name, "Chromecast" when the device has none.
func (h *Handle) DisplayName() string { return h.meta.DisplayName }

// UUID returns the manufacturer token the identity was derived from.
func (h *Handle) UUID() string { return h.uuid }

// Address returns host:port of the device.
func (h *Handle) Address() string { return h.address }

// Meta returns the device description.
func (h *Handle) Meta() Meta { return h.meta }

// Reachable reports whether the device connection is held.
func (h *Handle) Reachable() bool { return h.reachable.Load() }

func (h *Handle) setReachable(v bool) { h.reachable.Store(v) }
