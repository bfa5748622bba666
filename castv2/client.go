// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package castv2 implements the Cast V2 control protocol spoken by Cast
// receivers on TCP port 8009.
//
// Every frame is a protobuf CastMessage prefixed with its big-endian 32-bit
// length, carried over TLS. Control payloads are JSON objects routed by
// namespace:
//   - tp.connection: virtual connection CONNECT and CLOSE
//   - tp.heartbeat: PING and PONG keepalives
//   - receiver: volume, mute, status and application launch
//   - media: LOAD, PLAY, PAUSE, STOP and status of the media receiver app
//
// Requests carry a requestId which the receiver echoes in its reply. A Client
// runs one reader goroutine that routes replies to their callers, answers
// PINGs and turns connection loss into errors.UnreachableError for every
// pending and future call.
package castv2

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
)

// Namespaces
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"
)

const (
	// DefaultPort is the Cast control port
	DefaultPort = 8009

	// DefaultMediaReceiver is the app ID of the stock media receiver
	DefaultMediaReceiver = "CC1AD845"

	defaultSender   = "sender-0"
	defaultReceiver = "receiver-0"

	defaultHeartbeat   = 5 * time.Second
	defaultContentType = "video/mp4"
)

// Replies that mean the receiver rejected a request.
var rejectionTypes = map[string]bool{
	"INVALID_REQUEST":      true,
	"INVALID_PLAYER_STATE": true,
	"LOAD_FAILED":          true,
	"LOAD_CANCELLED":       true,
	"LAUNCH_ERROR":         true,
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHeartbeat sets the PING interval. Zero or less disables PINGs.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

// WithAppID replaces the media receiver launched for LOAD.
func WithAppID(appID string) Option {
	return func(c *Client) {
		if appID != "" {
			c.appID = appID
		}
	}
}

type header struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type reply struct {
	header
	raw []byte
}

type volume struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

type application struct {
	AppID       string `json:"appId"`
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId"`
	TransportID string `json:"transportId"`
	Namespaces  []struct {
		Name string `json:"name"`
	} `json:"namespaces"`
}

func (a application) hasMedia() bool {
	for _, ns := range a.Namespaces {
		if ns.Name == NamespaceMedia {
			return true
		}
	}
	return false
}

type receiverStatus struct {
	Status struct {
		Volume       volume        `json:"volume"`
		Applications []application `json:"applications"`
	} `json:"status"`
}

type mediaStatus struct {
	Status []struct {
		MediaSessionID int64  `json:"mediaSessionId"`
		PlayerState    string `json:"playerState"`
		Media          *struct {
			ContentID string `json:"contentId"`
		} `json:"media"`
	} `json:"status"`
}

// Client is a Cast V2 connection to one receiver. It implements
// interfaces.Controller.
type Client struct {
	conn      net.Conn
	log       zerolog.Logger
	heartbeat time.Duration
	appID     string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu             sync.Mutex
	pending        map[int64]chan reply
	transportID    string
	connected      map[string]bool
	mediaSessionID int64
	err            error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens a TLS connection to addr and starts a Client on it. Receivers
// present self-signed certificates.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- receivers use self-signed certificates
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewUnreachableError("dial", addr, err)
	}
	client, err := NewClient(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

// NewClient starts a Client on an established connection and opens the
// virtual connection to the platform receiver.
func NewClient(conn net.Conn, opts ...Option) (*Client, error) {
	c := &Client{
		conn:      conn,
		log:       zerolog.Nop(),
		heartbeat: defaultHeartbeat,
		appID:     DefaultMediaReceiver,
		pending:   make(map[int64]chan reply),
		connected: make(map[string]bool),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "castv2").Str("address", conn.RemoteAddr().String()).Logger()

	c.wg.Add(1)
	go c.readLoop()

	if err := c.connect(defaultReceiver); err != nil {
		c.shutdown(err)
		c.wg.Wait()
		return nil, err
	}

	if c.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	return c, nil
}

// SetVolume sets the receiver volume level.
func (c *Client) SetVolume(ctx context.Context, level float64) error {
	_, err := c.request(ctx, "volume", NamespaceReceiver, defaultReceiver, map[string]any{
		"type":   "SET_VOLUME",
		"volume": volume{Level: &level},
	})
	return err
}

// SetMute sets the receiver mute flag.
func (c *Client) SetMute(ctx context.Context, muted bool) error {
	_, err := c.request(ctx, "mute", NamespaceReceiver, defaultReceiver, map[string]any{
		"type":   "SET_VOLUME",
		"volume": volume{Muted: &muted},
	})
	return err
}

// Play loads uri on the media receiver starting at offset. An empty uri
// resumes the current media session.
func (c *Client) Play(ctx context.Context, uri string, offset time.Duration) error {
	if uri == "" {
		return c.mediaCommand(ctx, "play", "PLAY")
	}

	transport, err := c.launch(ctx)
	if err != nil {
		return err
	}

	raw, err := c.request(ctx, "load", NamespaceMedia, transport, map[string]any{
		"type": "LOAD",
		"media": map[string]any{
			"contentId":   uri,
			"contentType": contentType(uri),
			"streamType":  "BUFFERED",
		},
		"autoplay":    true,
		"currentTime": offset.Seconds(),
	})
	if err != nil {
		return err
	}
	c.storeMediaStatus(raw)
	return nil
}

// Pause pauses the current media session.
func (c *Client) Pause(ctx context.Context) error {
	return c.mediaCommand(ctx, "pause", "PAUSE")
}

// Stop stops the current media session. Stopping with nothing loaded succeeds.
func (c *Client) Stop(ctx context.Context) error {
	transport, err := c.mediaTransport(ctx)
	if err != nil {
		return err
	}
	if transport == "" || c.sessionID() == 0 {
		return nil
	}
	return c.mediaCommand(ctx, "stop", "STOP")
}

// GetStatus reports receiver volume and, when the media app is running, the
// loaded content and player state.
func (c *Client) GetStatus(ctx context.Context) (*interfaces.DeviceStatus, error) {
	rs, err := c.receiverStatus(ctx)
	if err != nil {
		return nil, err
	}

	status := &interfaces.DeviceStatus{}
	if rs.Status.Volume.Level != nil {
		status.VolumeLevel = *rs.Status.Volume.Level
	}
	if rs.Status.Volume.Muted != nil {
		status.Muted = *rs.Status.Volume.Muted
	}

	transport := c.transport()
	if transport == "" {
		return status, nil
	}
	if err := c.connect(transport); err != nil {
		return nil, err
	}
	raw, err := c.request(ctx, "status", NamespaceMedia, transport, map[string]any{"type": "GET_STATUS"})
	if err != nil {
		return nil, err
	}
	ms := c.storeMediaStatus(raw)
	if ms != nil && len(ms.Status) > 0 {
		status.PlayerState = ms.Status[0].PlayerState
		if ms.Status[0].Media != nil {
			status.MediaContentID = ms.Status[0].Media.ContentID
		}
	}
	return status, nil
}

// Close ends the virtual connections and closes the socket. It is safe to call
// repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	alive := c.err == nil
	c.mu.Unlock()
	if alive {
		_ = c.send(NamespaceConnection, defaultReceiver, map[string]any{"type": "CLOSE"})
	}
	c.shutdown(errors.ErrConnectionClosed)
	c.wg.Wait()
	return nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) mediaCommand(ctx context.Context, command, msgType string) error {
	transport, err := c.mediaTransport(ctx)
	if err != nil {
		return err
	}
	id := c.sessionID()
	if transport == "" || id == 0 {
		return errors.NewCommandError(command, "", "no active media session", nil)
	}
	raw, err := c.request(ctx, command, NamespaceMedia, transport, map[string]any{
		"type":           msgType,
		"mediaSessionId": id,
	})
	if err != nil {
		return err
	}
	c.storeMediaStatus(raw)
	return nil
}

// mediaTransport returns the transport of the running media app and makes
// sure the media session ID is known. It returns "" when no media app runs.
func (c *Client) mediaTransport(ctx context.Context) (string, error) {
	if t := c.transport(); t != "" && c.sessionID() != 0 {
		return t, nil
	}
	if _, err := c.receiverStatus(ctx); err != nil {
		return "", err
	}
	transport := c.transport()
	if transport == "" {
		return "", nil
	}
	if err := c.connect(transport); err != nil {
		return "", err
	}
	raw, err := c.request(ctx, "status", NamespaceMedia, transport, map[string]any{"type": "GET_STATUS"})
	if err != nil {
		return "", err
	}
	c.storeMediaStatus(raw)
	return transport, nil
}

// launch starts the media receiver unless it already runs and returns its
// transport ID.
func (c *Client) launch(ctx context.Context) (string, error) {
	rs, err := c.receiverStatus(ctx)
	if err != nil {
		return "", err
	}
	for _, app := range rs.Status.Applications {
		if app.AppID == c.appID {
			return c.transport(), c.connect(app.TransportID)
		}
	}

	raw, err := c.request(ctx, "launch", NamespaceReceiver, defaultReceiver, map[string]any{
		"type":  "LAUNCH",
		"appId": c.appID,
	})
	if err != nil {
		return "", err
	}
	c.storeReceiverStatus(raw)
	transport := c.transport()
	if transport == "" {
		return "", errors.NewCommandError("launch", "", "media receiver did not start", nil)
	}
	c.log.Debug().Str("app_id", c.appID).Str("transport", transport).Msg("Launched media receiver")
	return transport, c.connect(transport)
}

func (c *Client) receiverStatus(ctx context.Context) (*receiverStatus, error) {
	raw, err := c.request(ctx, "status", NamespaceReceiver, defaultReceiver, map[string]any{"type": "GET_STATUS"})
	if err != nil {
		return nil, err
	}
	rs := c.storeReceiverStatus(raw)
	if rs == nil {
		return nil, errors.NewCommandError("status", "", "malformed receiver status", nil)
	}
	return rs, nil
}

func (c *Client) storeReceiverStatus(raw []byte) *receiverStatus {
	var rs receiverStatus
	if err := json.Unmarshal(raw, &rs); err != nil {
		c.log.Warn().Err(err).Msg("Malformed RECEIVER_STATUS")
		return nil
	}

	transport := ""
	for _, app := range rs.Status.Applications {
		if app.AppID == c.appID || app.hasMedia() {
			transport = app.TransportID
			break
		}
	}

	c.mu.Lock()
	if transport != c.transportID {
		c.transportID = transport
		c.mediaSessionID = 0
	}
	c.mu.Unlock()
	return &rs
}

func (c *Client) storeMediaStatus(raw []byte) *mediaStatus {
	var ms mediaStatus
	if err := json.Unmarshal(raw, &ms); err != nil {
		c.log.Warn().Err(err).Msg("Malformed MEDIA_STATUS")
		return nil
	}
	c.mu.Lock()
	if len(ms.Status) > 0 {
		c.mediaSessionID = ms.Status[0].MediaSessionID
	} else {
		c.mediaSessionID = 0
	}
	c.mu.Unlock()
	return &ms
}

func (c *Client) transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transportID
}

func (c *Client) sessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaSessionID
}

// connect opens the virtual connection to dest once.
func (c *Client) connect(dest string) error {
	c.mu.Lock()
	done := c.connected[dest]
	c.mu.Unlock()
	if done {
		return nil
	}
	if err := c.send(NamespaceConnection, dest, map[string]any{"type": "CONNECT"}); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected[dest] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) request(ctx context.Context, command, namespace, dest string, payload map[string]any) ([]byte, error) {
	id := c.nextID.Add(1)
	payload["requestId"] = id
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, errors.NewUnreachableError(command, "", err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(namespace, dest, payload); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		if rejectionTypes[r.Type] {
			reason := r.Reason
			if reason == "" {
				reason = r.Type
			}
			return nil, errors.NewCommandError(command, "", reason, nil)
		}
		return r.raw, nil
	case <-c.done:
		return nil, errors.NewUnreachableError(command, "", c.Err())
	case <-ctx.Done():
		err := ctx.Err()
		if err == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %w", errors.ErrTimeout, err)
		}
		return nil, errors.NewUnreachableError(command, "", err)
	}
}

func (c *Client) send(namespace, dest string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.NewInternalError("encode "+namespace, err)
	}
	msg := &CastMessage{
		SourceID:      defaultSender,
		DestinationID: dest,
		Namespace:     namespace,
		PayloadType:   PayloadString,
		PayloadUTF8:   string(body),
	}

	c.writeMu.Lock()
	err = WriteFrame(c.conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return errors.NewUnreachableError("write", "", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		msg, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		if msg.PayloadType != PayloadString {
			continue
		}

		var h header
		if err := json.Unmarshal([]byte(msg.PayloadUTF8), &h); err != nil {
			c.log.Debug().Err(err).Str("namespace", msg.Namespace).Msg("Ignoring non-JSON payload")
			continue
		}

		switch {
		case msg.Namespace == NamespaceHeartbeat && h.Type == "PING":
			if err := c.send(NamespaceHeartbeat, msg.SourceID, map[string]any{"type": "PONG"}); err != nil {
				return
			}
			continue
		case msg.Namespace == NamespaceConnection && h.Type == "CLOSE":
			c.mu.Lock()
			delete(c.connected, msg.SourceID)
			if msg.SourceID == defaultReceiver {
				c.mu.Unlock()
				c.shutdown(errors.ErrConnectionClosed)
				return
			}
			if msg.SourceID == c.transportID {
				c.transportID = ""
				c.mediaSessionID = 0
			}
			c.mu.Unlock()
			continue
		}

		if h.RequestID != 0 {
			c.mu.Lock()
			ch := c.pending[h.RequestID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- reply{header: h, raw: []byte(msg.PayloadUTF8)}:
				default:
				}
				continue
			}
		}

		// Unsolicited status broadcasts keep cached IDs fresh.
		switch h.Type {
		case "RECEIVER_STATUS":
			c.storeReceiverStatus([]byte(msg.PayloadUTF8))
		case "MEDIA_STATUS":
			c.storeMediaStatus([]byte(msg.PayloadUTF8))
		}
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(NamespaceHeartbeat, defaultReceiver, map[string]any{"type": "PING"}); err != nil {
				return
			}
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if cause == nil {
			cause = errors.ErrConnectionClosed
		}
		if !errors.Is(cause, errors.ErrConnectionClosed) {
			cause = fmt.Errorf("%w: %w", errors.ErrConnectionClosed, cause)
		}
		c.err = cause
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		c.log.Debug().Err(cause).Msg("Cast connection closed")
	})
}

// contentType guesses the MIME type of uri from its extension.
func contentType(uri string) string {
	p := uri
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return defaultContentType
}
