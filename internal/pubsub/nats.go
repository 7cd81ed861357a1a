package pubsub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/comigor/convo-go/internal/config"
	"github.com/comigor/convo-go/internal/logger"
)

// Subject maps a slash-separated destination to a NATS subject:
// "/topic/messages/alice" becomes "topic.messages.alice".
func Subject(destination string) string {
	return strings.ReplaceAll(strings.TrimPrefix(destination, "/"), "/", ".")
}

// NATSDialer connects to a NATS server using core publish/subscribe.
func NATSDialer(cfg config.PubSubConfig) Dialer {
	return func(ctx context.Context) (Conn, error) {
		opts := []nats.Option{
			nats.Name("convo"),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.L.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.L.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		}
		if deadline, ok := ctx.Deadline(); ok {
			opts = append(opts, nats.Timeout(time.Until(deadline)))
		}
		if cfg.Login != "" {
			opts = append(opts, nats.UserInfo(cfg.Login, cfg.Passcode))
		}

		nc, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		return &natsConn{nc: nc}, nil
	}
}

type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Subscribe(topic string, handler Handler) (Subscription, error) {
	subject := Subject(topic)
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to subject '%s': %w", subject, err)
	}
	logger.L.Debug("subscribed", "subject", subject)
	return sub, nil
}

func (c *natsConn) Publish(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := Subject(destination)
	if err := c.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish message to subject '%s': %w", subject, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	if c.nc.IsClosed() {
		return ErrClosed
	}
	c.nc.Close()
	return nil
}
