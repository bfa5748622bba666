// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app_test

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soothill/cast-bridge/app"
	"github.com/soothill/cast-bridge/bridge"
	"github.com/soothill/cast-bridge/config"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/soothill/cast-bridge/pkg/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// receiver is a fake cast device.
type receiver struct {
	mu     sync.Mutex
	volume float64
	muted  bool
	calls  []string
	lost   chan struct{}
	once   sync.Once
}

func newReceiver() *receiver { return &receiver{volume: 0.3, lost: make(chan struct{})} }

func (r *receiver) record(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.lost:
		return errors.NewUnreachableError(name, "", errors.ErrConnectionClosed)
	default:
	}
	r.calls = append(r.calls, name)
	return nil
}

func (r *receiver) SetVolume(_ context.Context, level float64) error {
	if err := r.record("volume"); err != nil {
		return err
	}
	r.mu.Lock()
	r.volume = level
	r.mu.Unlock()
	return nil
}

func (r *receiver) SetMute(_ context.Context, muted bool) error {
	if err := r.record("mute"); err != nil {
		return err
	}
	r.mu.Lock()
	r.muted = muted
	r.mu.Unlock()
	return nil
}

func (r *receiver) Play(context.Context, string, time.Duration) error { return r.record("play") }
func (r *receiver) Pause(context.Context) error                      { return r.record("pause") }
func (r *receiver) Stop(context.Context) error                       { return r.record("stop") }

func (r *receiver) GetStatus(context.Context) (*interfaces.DeviceStatus, error) {
	if err := r.record("status"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return &interfaces.DeviceStatus{VolumeLevel: r.volume, Muted: r.muted, PlayerState: "IDLE"}, nil
}

func (r *receiver) Close() error {
	r.loseConnection()
	return nil
}

func (r *receiver) Done() <-chan struct{} { return r.lost }

func (r *receiver) loseConnection() { r.once.Do(func() { close(r.lost) }) }

func (r *receiver) called(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == name {
			return true
		}
	}
	return false
}

type network struct {
	mu        sync.Mutex
	devices   []*interfaces.Descriptor
	receivers map[string]*receiver
	searchErr error
	searches  int
}

func newNetwork(uuids ...string) *network {
	n := &network{receivers: map[string]*receiver{}}
	for i, id := range uuids {
		n.devices = append(n.devices, &interfaces.Descriptor{
			DeviceType:   "_googlecast._tcp",
			Manufacturer: "Google Inc.",
			Address:      net.IPv4(192, 168, 1, byte(10+i)),
			Port:         8009,
			UUID:         id,
			DisplayName:  "Speaker " + id,
			ModelName:    "Chromecast Audio",
		})
		n.receivers[id] = newReceiver()
	}
	return n
}

func (n *network) Search(ctx context.Context) (<-chan *interfaces.Descriptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.searches++
	if n.searchErr != nil {
		return nil, n.searchErr
	}
	devices := append([]*interfaces.Descriptor(nil), n.devices...)
	out := make(chan *interfaces.Descriptor)
	go func() {
		defer close(out)
		for _, d := range devices {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func (n *network) Connect(_ context.Context, desc *interfaces.Descriptor) (interfaces.Controller, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := n.receivers[desc.UUID]
	select {
	case <-r.lost:
		// A previous connection was lost; the device is back.
		r = newReceiver()
		n.receivers[desc.UUID] = r
	default:
	}
	return r, nil
}

func (n *network) receiver(uuid string) *receiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receivers[uuid]
}

func (n *network) searchCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.searches
}

type recorder struct {
	mu      sync.Mutex
	samples []*interfaces.StateSample
	closed  bool
	stall   chan struct{} // unreachable samples wait for it to close
	stalled chan struct{}
}

func (r *recorder) WriteState(s *interfaces.StateSample) error {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	stall, stalled := r.stall, r.stalled
	r.mu.Unlock()

	if stall != nil && !s.Reachable {
		select {
		case stalled <- struct{}{}:
		default:
		}
		<-stall
	}
	return nil
}

// stallUnreachable holds back unreachable samples until the returned release
// is called.
func (r *recorder) stallUnreachable() (stalled <-chan struct{}, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stall = make(chan struct{})
	r.stalled = make(chan struct{}, 1)
	var once sync.Once
	stall := r.stall
	return r.stalled, func() { once.Do(func() { close(stall) }) }
}

func (r *recorder) Flush() {}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) Health(context.Context) error { return nil }

func (r *recorder) find(pred func(*interfaces.StateSample) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.samples {
		if pred(s) {
			return true
		}
	}
	return false
}

type publisher struct {
	mu      sync.Mutex
	states  []*interfaces.StateSample
	metas   map[string]map[string]string
	cleared []string
	handler mqtt.CommandHandler
	closed  bool
}

func newPublisher() *publisher { return &publisher{metas: map[string]map[string]string{}} }

func (p *publisher) PublishState(s *interfaces.StateSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
	return nil
}

func (p *publisher) PublishMeta(id string, meta map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metas[id] = meta
	return nil
}

func (p *publisher) Clear(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = append(p.cleared, id)
	return nil
}

func (p *publisher) SubscribeCommands(h mqtt.CommandHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
	return nil
}

func (p *publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *publisher) command(id, payload string) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h(id, []byte(payload))
}

func (p *publisher) wasCleared(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.cleared {
		if c == id {
			return true
		}
	}
	return false
}

type alerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *alerter) add(title string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
}

func (a *alerter) SendAlert(_ context.Context, _, title, _ string) error { a.add(title); return nil }
func (a *alerter) IsEnabled() bool                                     { return true }
func (a *alerter) SendDeviceLost(context.Context, string, string, error) error {
	a.add("lost")
	return nil
}
func (a *alerter) SendDeviceFound(context.Context, string, string) error {
	a.add("found")
	return nil
}
func (a *alerter) SendDiscoveryFailure(context.Context, error) error {
	a.add("discovery")
	return nil
}

func (a *alerter) has(title string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.titles {
		if t == title {
			return true
		}
	}
	return false
}

type harness struct {
	app  *app.App
	net  *network
	rec  *recorder
	pub  *publisher
	alrt *alerter
	done chan struct{}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Cast.DiscoveryInterval = time.Hour
	cfg.Cast.PollInterval = 0
	cfg.Cast.CommandTimeout = time.Second
	cfg.Cast.ConnectTimeout = time.Second
	return &cfg
}

func start(t *testing.T, n *network) *harness {
	t.Helper()
	h := &harness{net: n, rec: &recorder{}, pub: newPublisher(), alrt: &alerter{}, done: make(chan struct{})}

	a, err := app.New(testConfig(),
		app.WithDiscoverer(n),
		app.WithConnector(n),
		app.WithRecorder(h.rec),
		app.WithPublisher(h.pub),
		app.WithAlerter(h.alrt),
		app.WithoutHTTP(),
	)
	require.NoError(t, err)
	h.app = a

	go func() {
		a.Run(context.Background())
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.app.Shutdown()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		panic("app did not shut down")
	}
}

func (h *harness) waitForDevice(t *testing.T, uuid string) *bridge.Bridge {
	t.Helper()
	id := bridge.Identity(uuid, 0)
	var b *bridge.Bridge
	require.Eventually(t, func() bool {
		var ok bool
		b, ok = h.app.Bridge(id)
		return ok && b.State() == bridge.StateConnected
	}, waitFor, tick)
	return b
}

func TestApp_DiscoversAndRecords(t *testing.T) {
	h := start(t, newNetwork("aaa", "bbb"))

	a := h.waitForDevice(t, "aaa")
	h.waitForDevice(t, "bbb")
	assert.Len(t, h.app.Bridges(), 2)
	assert.Len(t, h.app.Devices(), 2)

	id := a.Identity()
	assert.Eventually(t, func() bool {
		return h.rec.find(func(s *interfaces.StateSample) bool {
			return s.DeviceID == id && s.Volume != nil && *s.Volume == 0.3 && s.Reachable
		})
	}, waitFor, tick)

	h.pub.mu.Lock()
	meta := h.pub.metas[id]
	h.pub.mu.Unlock()
	assert.Equal(t, id, meta["iot:thing"])
	assert.Equal(t, "Speaker aaa", meta["schema:name"])

	assert.Eventually(t, func() bool { return h.alrt.has("found") }, waitFor, tick)
}

func TestApp_MQTTCommand(t *testing.T) {
	h := start(t, newNetwork("aaa"))
	b := h.waitForDevice(t, "aaa")

	h.pub.command(b.Identity(), `{"volume":0.8,"mute":true}`)

	r := h.net.receiver("aaa")
	assert.Eventually(t, func() bool { return r.called("volume") && r.called("mute") }, waitFor, tick)
	assert.Eventually(t, func() bool {
		v, ok := b.Observed().Volume.Get()
		return ok && v == 0.8
	}, waitFor, tick)

	// Unknown device and malformed payloads are ignored.
	h.pub.command("urn:castbridge:thing:Chromecast:missing", `{"volume":0.1}`)
	h.pub.command(b.Identity(), `not json`)
}

func TestApp_ForgetsLostDevice(t *testing.T) {
	h := start(t, newNetwork("aaa"))
	b := h.waitForDevice(t, "aaa")
	id := b.Identity()

	h.net.receiver("aaa").loseConnection()

	assert.Eventually(t, func() bool {
		_, ok := h.app.Bridge(id)
		return !ok
	}, waitFor, tick)
	assert.Eventually(t, func() bool { return h.pub.wasCleared(id) }, waitFor, tick)
	assert.Eventually(t, func() bool { return h.alrt.has("lost") }, waitFor, tick)
	assert.True(t, h.rec.find(func(s *interfaces.StateSample) bool {
		return s.DeviceID == id && !s.Reachable
	}), "final sample should mark the device unreachable")

	// A rescan finds the device again under the same identity.
	h.app.Rescan()
	again := h.waitForDevice(t, "aaa")
	assert.Equal(t, id, again.Identity())
	assert.NotSame(t, b, again)
}

func TestApp_LateForgetKeepsReplacement(t *testing.T) {
	h := start(t, newNetwork("aaa"))
	old := h.waitForDevice(t, "aaa")
	id := old.Identity()

	stalled, release := h.rec.stallUnreachable()
	t.Cleanup(release)

	// The old instance is forgotten but its final state has not been delivered yet.
	h.net.receiver("aaa").loseConnection()
	select {
	case <-stalled:
	case <-time.After(waitFor):
		t.Fatal("final sample never reached the recorder")
	}
	require.Equal(t, bridge.StateForgotten, old.State())

	h.app.Rescan()
	replacement := h.waitForDevice(t, "aaa")
	require.NotSame(t, old, replacement)

	release()
	select {
	case <-old.Forgotten():
	case <-time.After(waitFor):
		t.Fatal("old instance never finished forgetting")
	}
	time.Sleep(50 * time.Millisecond)

	got, ok := h.app.Bridge(id)
	require.True(t, ok, "replacement must stay registered")
	assert.Same(t, replacement, got)
	assert.False(t, h.pub.wasCleared(id), "retained topics of the replacement must survive")
	assert.False(t, h.alrt.has("lost"))
}

func TestApp_RescanSkipsKnownDevices(t *testing.T) {
	h := start(t, newNetwork("aaa"))
	b := h.waitForDevice(t, "aaa")

	h.app.Rescan()
	require.Eventually(t, func() bool { return h.net.searchCount() >= 2 }, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	got, ok := h.app.Bridge(b.Identity())
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestApp_UpdateConfig(t *testing.T) {
	h := start(t, newNetwork("aaa"))
	b := h.waitForDevice(t, "aaa")

	cfg := testConfig()
	cfg.Cast.PollInterval = time.Minute
	h.app.UpdateConfig(cfg)

	assert.Equal(t, time.Minute, b.PollInterval())
	assert.Equal(t, bridge.StatePollingActive, b.State())

	cfg = testConfig()
	cfg.Cast.PollInterval = 0
	h.app.ConfigUpdates() <- cfg
	assert.Eventually(t, func() bool { return b.State() == bridge.StateConnected }, waitFor, tick)
}

func TestApp_DiscoveryFailureAlerts(t *testing.T) {
	n := newNetwork()
	n.searchErr = stderrors.New("no multicast interface")
	h := start(t, n)

	assert.Eventually(t, func() bool { return h.alrt.has("discovery") }, waitFor, tick)
}

func TestApp_HTTPAPI(t *testing.T) {
	h := start(t, newNetwork("aaa"))
	b := h.waitForDevice(t, "aaa")

	rec := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), b.Identity())

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/devices/"+b.Identity()+"/push", strings.NewReader(`{"mode":"pause"}`))
	h.app.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, h.net.receiver("aaa").called("pause"))
}

func TestApp_ShutdownReleasesDevices(t *testing.T) {
	h := start(t, newNetwork("aaa"))
	b := h.waitForDevice(t, "aaa")

	h.stop()

	assert.Equal(t, bridge.StateForgotten, b.State())
	h.rec.mu.Lock()
	assert.True(t, h.rec.closed)
	h.rec.mu.Unlock()
	h.pub.mu.Lock()
	assert.True(t, h.pub.closed)
	h.pub.mu.Unlock()
	assert.False(t, h.alrt.has("lost"), "shutdown must not raise device alerts")
}
