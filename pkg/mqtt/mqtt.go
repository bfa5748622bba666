// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package mqtt mirrors device state onto an MQTT broker and accepts desired
// state from it.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/state/<id>    observed state as JSON, retained
//	<prefix>/meta/<id>     device metadata as JSON, retained
//	<prefix>/command/<id>  desired state as JSON, subscribed
//
// A forgotten device has its retained topics cleared.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/soothill/cast-bridge/config"
	"github.com/soothill/cast-bridge/pkg/errors"
	"github.com/soothill/cast-bridge/pkg/interfaces"
	"github.com/soothill/cast-bridge/pkg/logger"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// CommandHandler receives the raw desired-state payload addressed to a device.
type CommandHandler func(deviceID string, payload []byte)

// Broker is the part of a broker connection the publisher uses.
type Broker interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	Disconnect()
}

// Publisher implements interfaces.StatePublisher over a Broker.
type Publisher struct {
	broker Broker
	prefix string
	qos    byte
	log    zerolog.Logger
}

// statePayload is the JSON body of a state topic. Nil fields are unknown.
type statePayload struct {
	DeviceID       string    `json:"device_id"`
	Name           string    `json:"name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Reachable      bool      `json:"reachable"`
	Volume         *float64  `json:"volume,omitempty"`
	Muted          *bool     `json:"muted,omitempty"`
	Mode           *string   `json:"mode,omitempty"`
	MediaContentID *string   `json:"media_content_id,omitempty"`
}

// NewPublisher creates a publisher on an existing broker connection.
func NewPublisher(b Broker, prefix string, qos byte) *Publisher {
	return &Publisher{
		broker: b,
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		log:    logger.Component("mqtt"),
	}
}

// Connect dials the configured broker and returns a publisher on it.
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	b, err := Dial(cfg)
	if err != nil {
		return nil, err
	}
	return NewPublisher(b, cfg.TopicPrefix, cfg.QoS), nil
}

// topicID makes a device identity safe for use as one topic level.
func topicID(id string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
}

// StateTopic returns the retained state topic for a device.
func (p *Publisher) StateTopic(id string) string {
	return p.prefix + "/state/" + topicID(id)
}

// MetaTopic returns the retained metadata topic for a device.
func (p *Publisher) MetaTopic(id string) string {
	return p.prefix + "/meta/" + topicID(id)
}

// CommandTopic returns the wildcard command topic.
func (p *Publisher) CommandTopic() string {
	return p.prefix + "/command/+"
}

// PublishState publishes an observed-state sample.
func (p *Publisher) PublishState(s *interfaces.StateSample) error {
	if s == nil || s.DeviceID == "" {
		return errors.NewValidationError("sample", s, "missing device id")
	}
	body, err := json.Marshal(statePayload{
		DeviceID:       s.DeviceID,
		Name:           s.DeviceName,
		Timestamp:      s.Timestamp,
		Reachable:      s.Reachable,
		Volume:         s.Volume,
		Muted:          s.Muted,
		Mode:           s.Mode,
		MediaContentID: s.MediaContentID,
	})
	if err != nil {
		return errors.NewInternalError("mqtt marshal state", err)
	}
	return p.publish(p.StateTopic(s.DeviceID), body)
}

// PublishMeta publishes device metadata.
func (p *Publisher) PublishMeta(deviceID string, meta map[string]string) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return errors.NewInternalError("mqtt marshal meta", err)
	}
	return p.publish(p.MetaTopic(deviceID), body)
}

// Clear removes the retained topics of a forgotten device.
func (p *Publisher) Clear(deviceID string) error {
	return errors.Join(
		p.publish(p.StateTopic(deviceID), nil),
		p.publish(p.MetaTopic(deviceID), nil),
	)
}

func (p *Publisher) publish(topic string, body []byte) error {
	if err := p.broker.Publish(topic, p.qos, true, body); err != nil {
		p.log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// SubscribeCommands routes messages on the command topic to h.
func (p *Publisher) SubscribeCommands(h CommandHandler) error {
	base := p.prefix + "/command/"
	return p.broker.Subscribe(p.CommandTopic(), p.qos, func(topic string, payload []byte) {
		id, ok := strings.CutPrefix(topic, base)
		if !ok || id == "" {
			p.log.Debug().Str("topic", topic).Msg("Ignoring message on unexpected topic")
			return
		}
		h(id, payload)
	})
}

// Close unsubscribes and disconnects.
func (p *Publisher) Close() {
	if err := p.broker.Unsubscribe(p.CommandTopic()); err != nil {
		p.log.Debug().Err(err).Msg("MQTT unsubscribe failed")
	}
	p.broker.Disconnect()
}

// pahoBroker adapts a paho client to Broker.
type pahoBroker struct {
	cli paho.Client
}

// Dial connects to the broker named in cfg.
func Dial(cfg config.MQTTConfig) (Broker, error) {
	log := logger.Component("mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOrderMatters(false)
	opts.OnConnect = func(paho.Client) { log.Info().Str("broker", cfg.Broker).Msg("MQTT connected") }
	opts.OnConnectionLost = func(_ paho.Client, err error) { log.Error().Err(err).Msg("MQTT connection lost") }

	cli := paho.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(connectTimeout) {
		return nil, errors.NewUnreachableError("mqtt connect", cfg.Broker, errors.ErrTimeout)
	}
	if err := t.Error(); err != nil {
		return nil, errors.NewUnreachableError("mqtt connect", cfg.Broker, err)
	}
	return &pahoBroker{cli: cli}, nil
}

func wait(t paho.Token) error {
	if !t.WaitTimeout(publishTimeout) {
		return errors.ErrTimeout
	}
	return t.Error()
}

func (b *pahoBroker) Publish(topic string, qos byte, retain bool, payload []byte) error {
	return wait(b.cli.Publish(topic, qos, retain, payload))
}

func (b *pahoBroker) Subscribe(topic string, qos byte, handler func(string, []byte)) error {
	return wait(b.cli.Subscribe(topic, qos, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	}))
}

func (b *pahoBroker) Unsubscribe(topic string) error {
	return wait(b.cli.Unsubscribe(topic))
}

func (b *pahoBroker) Disconnect() {
	b.cli.Disconnect(250)
}
