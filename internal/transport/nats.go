package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plexdesk/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Config holds transport connection configuration.
type Config struct {
	URL   string
	Token string
}

// Conn wraps the NATS connection. Reconnect/backoff is delegated to the NATS
// client; connection lifecycle is surfaced on the bus so the engine can
// resubscribe and refresh after a drop.
type Conn struct {
	nc     *nats.Conn
	bus    *bus.Bus
	logger *zap.Logger
}

// Connect establishes the transport connection.
func Connect(cfg Config, b *bus.Bus, logger *zap.Logger) (*Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("transport disconnected", zap.Error(err))
			b.Publish(bus.Event{Kind: "transport.disconnected", Timestamp: time.Now()})
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("transport reconnected")
			b.Publish(bus.Event{Kind: "transport.connected", Timestamp: time.Now()})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				logger.Error("transport error", zap.String("topic", sub.Subject), zap.Error(err))
				return
			}
			logger.Error("transport error", zap.Error(err))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect transport: %w", err)
	}

	return &Conn{nc: nc, bus: b, logger: logger}, nil
}

// Subscribe attaches a handler to a topic. Payloads are normalized before
// delivery; malformed ones are logged and dropped.
func (c *Conn) Subscribe(topic string, h Handler) (Subscription, error) {
	sub, err := c.nc.Subscribe(topic, func(msg *nats.Msg) {
		evt, err := Parse(msg.Data)
		if err != nil {
			c.logger.Warn("discarding malformed event", zap.String("topic", topic), zap.Error(err))
			return
		}
		evt.Topic = topic
		h(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return &natsSubscription{topic: topic, sub: sub}, nil
}

// Publish sends an envelope to a topic. Fire-and-forget: no acknowledgement
// is awaited.
func (c *Conn) Publish(topic string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected returns true if the transport is currently connected.
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains and closes the connection.
func (c *Conn) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

func (s *natsSubscription) Topic() string { return s.topic }

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	return err
}
