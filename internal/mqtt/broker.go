// Package mqtt is the transport layer: it consumes inbound
// conversation events from the broker and publishes outbound
// responses, with automatic reconnection and an availability topic
// carrying birth and will messages.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/periapt-io/secretary/internal/config"
	"github.com/periapt-io/secretary/internal/dispatch"
)

// MessageHandler is called for each payload received on the inbound
// topic. Implementations must be safe for concurrent use.
type MessageHandler func(ctx context.Context, payload []byte)

// Broker manages the MQTT connection for both channel directions.
type Broker struct {
	cfg     config.BrokerConfig
	handler MessageHandler
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
}

// NewBroker creates a broker client but does not connect. Call
// [Broker.Start] to begin the connection.
func NewBroker(cfg config.BrokerConfig, instanceID string, handler MessageHandler, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID(instanceID)
	}
	return &Broker{cfg: cfg, handler: handler, logger: logger}
}

func defaultClientID(instanceID string) string {
	if len(instanceID) >= 8 {
		return "secretaryd-" + instanceID[:8]
	}
	return "secretaryd"
}

func (b *Broker) availabilityTopic() string {
	return "secretary/" + b.cfg.ClientID + "/availability"
}

// Start connects to the broker and subscribes to the inbound topic. It
// returns once the connection manager is running; autopaho retries in
// the background on connection loss, re-subscribing on every
// reconnect.
func (b *Broker) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.URL)
			b.subscribe(ctx, cm)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handler(ctx, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

func (b *Broker) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: b.cfg.InboundTopic, QoS: 1},
		},
	}); err != nil {
		b.logger.Error("mqtt subscribe failed",
			"topic", b.cfg.InboundTopic, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topic", b.cfg.InboundTopic)
}

func (b *Broker) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	}
}

// Publish sends one outbound message. It implements
// [dispatch.Publisher].
func (b *Broker) Publish(ctx context.Context, msg dispatch.OutboundMessage) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt broker not started")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.OutboundTopic,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish outbound: %w", err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (b *Broker) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt broker not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// Stop publishes an "offline" availability message and disconnects.
func (b *Broker) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}
