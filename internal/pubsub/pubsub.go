// Package pubsub is the publish/subscribe boundary: a topic-addressed
// real-time channel shared by every session in the process.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/convo-go/internal/config"
)

// ErrClosed is returned by operations on a connection that has been closed.
var ErrClosed = errors.New("pubsub: connection closed")

// Handler processes one payload received on a topic. Handlers for the same
// subscription are invoked sequentially.
type Handler func(payload []byte)

// Subscription is an active topic listener.
type Subscription interface {
	Unsubscribe() error
}

// Conn is a connected publish/subscribe client.
type Conn interface {
	// Subscribe starts delivering payloads published on topic to handler.
	Subscribe(topic string, handler Handler) (Subscription, error)
	// Publish sends payload to destination without waiting for delivery.
	Publish(ctx context.Context, destination string, payload []byte) error
	Close() error
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// NewDialer returns the dialer for the configured driver.
func NewDialer(cfg config.PubSubConfig) (Dialer, error) {
	switch cfg.Driver {
	case config.DriverSTOMP:
		return STOMPDialer(cfg), nil
	case config.DriverNATS:
		return NATSDialer(cfg), nil
	case config.DriverMemory:
		b := NewMemoryBroker()
		return b.Dial, nil
	default:
		return nil, fmt.Errorf("unsupported pubsub driver %q", cfg.Driver)
	}
}
