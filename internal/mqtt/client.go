// Package mqtt manages the broker connection: publishing telemetry,
// state, info and command responses, and subscribing to the device's
// command topic.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to the command topic and publishes a retained "online"
// presence message; a will message flips the presence topic to
// "offline" on unexpected disconnects. Inbound commands pass a rate
// limiter before reaching the dispatcher.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/climon-dev/climon/internal/config"
	"github.com/climon-dev/climon/internal/events"
	"github.com/climon-dev/climon/internal/metrics"
)

// Command-topic rate limit: inbound messages beyond this are dropped
// until the window resets. Commands are human-rate; anything hotter is
// a misbehaving producer.
const (
	commandRateLimit    = 30
	commandRateInterval = 10 * time.Second
)

// MessageHandler is called for each message received on the command
// topic. It runs on the client's inbound goroutine and must not block
// for long.
type MessageHandler func(topic string, payload []byte)

// Client manages the MQTT connection for one device.
type Client struct {
	cfg       config.MQTTConfig
	topics    Topics
	clientID  string
	handler   MessageHandler
	limiter   *messageRateLimiter
	bus       *events.Bus
	logger    *slog.Logger
	cm        *autopaho.ConnectionManager
	connected atomic.Bool
}

// NewClient creates a Client but does not connect. Call
// [Client.Start] to begin connection management.
func NewClient(cfg config.MQTTConfig, deviceID, deviceName string, handler MessageHandler, bus *events.Bus, logger *slog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		topics:   NewTopics(cfg.BaseTopic, deviceID),
		clientID: "climon-" + deviceName,
		handler:  handler,
		limiter:  newMessageRateLimiter(commandRateLimit, commandRateInterval, logger),
		bus:      bus,
		logger:   logger,
	}
}

// Topics returns the client's topic builder.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetHandler registers the inbound message handler. Must be called
// before Start; it exists so the handler can depend on collaborators
// that themselves need the client.
func (c *Client) SetHandler(h MessageHandler) {
	c.handler = h
}

// Start connects to the broker and returns once connection management
// is running; autopaho keeps retrying in the background. The rate
// limiter's reset loop runs until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(c.cfg.KeepAliveSec),
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   c.topics.Availability(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			metrics.SetTransportConnected(true)
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)

			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: c.topics.Command(), QoS: 1},
				},
			}); err != nil {
				c.logger.Error("mqtt command subscribe failed",
					"topic", c.topics.Command(), "error", err)
			} else {
				c.logger.Debug("mqtt subscribed", "topic", c.topics.Command())
			}

			c.publishAvailability(ctx, cm, "online")
			c.publishEvent(events.KindTransportUp, nil)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onMessage,
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				metrics.SetTransportConnected(false)
				c.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
				c.publishEvent(events.KindTransportDown, map[string]any{
					"reason_code": int(d.ReasonCode),
				})
			},
			OnClientError: func(err error) {
				c.connected.Store(false)
				metrics.SetTransportConnected(false)
				c.logger.Warn("mqtt client error", "error", err)
				c.publishEvent(events.KindTransportDown, map[string]any{
					"error": err.Error(),
				})
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	go c.limiter.start(ctx)

	// Wait briefly for the initial connection so the first publishes
	// have somewhere to go.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// Stop gracefully disconnects by publishing an "offline" presence
// message before closing the connection. The provided context bounds
// how long to wait.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.publishAvailability(ctx, c.cm, "offline")
	return c.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// IsConnected reports whether the broker connection is currently up.
// The periodic publisher gates its timers on this.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// onMessage routes an inbound publish through the rate limiter to the
// command handler.
func (c *Client) onMessage(pr paho.PublishReceived) (bool, error) {
	if !c.limiter.allow() {
		return true, nil
	}

	c.logger.Debug("mqtt message received",
		"topic", pr.Packet.Topic,
		"payload_size", len(pr.Packet.Payload))

	if c.handler != nil {
		c.handler(pr.Packet.Topic, pr.Packet.Payload)
	}
	return true, nil
}

// --- Outbound publishes ---

// PublishData publishes sensor telemetry (QoS 0, not retained; stale
// samples are worthless).
func (c *Client) PublishData(ctx context.Context, p DataPayload) error {
	return c.publishJSON(ctx, metrics.ChannelData, c.topics.Data(), p, 0, false)
}

// PublishState publishes the device state (QoS 1, retained, so late
// subscribers see the last known state).
func (c *Client) PublishState(ctx context.Context, p StatePayload) error {
	return c.publishJSON(ctx, metrics.ChannelState, c.topics.State(), p, 1, true)
}

// PublishInfo publishes device info (QoS 1, retained).
func (c *Client) PublishInfo(ctx context.Context, p InfoPayload) error {
	return c.publishJSON(ctx, metrics.ChannelInfo, c.topics.Info(), p, 1, true)
}

// PublishResponse acknowledges a command (QoS 1, retained).
func (c *Client) PublishResponse(ctx context.Context, cmdID string, ok bool) error {
	status := StatusSuccess
	if !ok {
		status = StatusError
	}
	return c.publishJSON(ctx, metrics.ChannelResponse, c.topics.Response(), ResponsePayload{CmdID: cmdID, Status: status}, 1, true)
}

func (c *Client) publishJSON(ctx context.Context, channel, topic string, v any, qos byte, retain bool) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	metrics.IncPublish(channel)
	c.logger.Debug("mqtt published", "topic", topic, "payload_size", len(payload))
	c.logger.Log(ctx, config.LevelTrace, "mqtt payload", "topic", topic, "payload", string(payload))
	return nil
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.topics.Availability(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
		return
	}
	metrics.IncPublish(metrics.ChannelStatus)
	c.logger.Info("mqtt availability published", "status", status)
}

func (c *Client) publishEvent(kind string, data map[string]any) {
	c.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMQTT,
		Kind:      kind,
		Data:      data,
	})
}
