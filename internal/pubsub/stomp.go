package pubsub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"

	"github.com/comigor/convo-go/internal/config"
	"github.com/comigor/convo-go/internal/logger"
)

const (
	jsonContentType = "application/json"
	// Brokers that do not answer UNSUBSCRIBE with a receipt would otherwise
	// hold Unsubscribe for the library's 30s default.
	unsubscribeReceiptTimeout = 5 * time.Second
)

// STOMPDialer speaks STOMP over a WebSocket, the backend's native real-time
// channel. Destinations are used verbatim.
func STOMPDialer(cfg config.PubSubConfig) Dialer {
	return stompDialer(cfg)
}

// stompDialer appends extra to the connect options; later options win.
func stompDialer(cfg config.PubSubConfig, extra ...func(*stomp.Conn) error) Dialer {
	return func(ctx context.Context) (Conn, error) {
		ws, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
			Subprotocols: []string{"v12.stomp"},
		})
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", cfg.URL, err)
		}

		// The net.Conn must outlive the dial context.
		netConn := websocket.NetConn(context.Background(), ws, websocket.MessageText)

		opts := []func(*stomp.Conn) error{
			stomp.ConnOpt.Host(cfg.Host),
			stomp.ConnOpt.HeartBeat(0, 0),
			stomp.ConnOpt.UnsubscribeReceiptTimeout(unsubscribeReceiptTimeout),
		}
		if cfg.Login != "" {
			opts = append(opts, stomp.ConnOpt.Login(cfg.Login, cfg.Passcode))
		}
		opts = append(opts, extra...)

		type result struct {
			conn *stomp.Conn
			err  error
		}
		done := make(chan result, 1)
		go func() {
			c, err := stomp.Connect(netConn, opts...)
			done <- result{c, err}
		}()

		select {
		case r := <-done:
			if r.err != nil {
				netConn.Close()
				return nil, fmt.Errorf("stomp connect: %w", r.err)
			}
			return &stompConn{conn: r.conn, netConn: netConn}, nil
		case <-ctx.Done():
			// Closing the socket unblocks the pending CONNECT handshake.
			netConn.Close()
			return nil, ctx.Err()
		}
	}
}

type stompConn struct {
	conn    *stomp.Conn
	netConn net.Conn
	once    sync.Once
}

func (c *stompConn) Subscribe(topic string, handler Handler) (Subscription, error) {
	sub, err := c.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("stomp subscribe %s: %w", topic, err)
	}
	go func() {
		for msg := range sub.C {
			if msg.Err != nil {
				logger.L.Warn("stomp subscription error", "topic", topic, "error", msg.Err)
				return
			}
			handler(msg.Body)
		}
	}()
	logger.L.Debug("subscribed", "destination", topic)
	return stompSubscription{sub}, nil
}

type stompSubscription struct {
	sub *stomp.Subscription
}

func (s stompSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (c *stompConn) Publish(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Send(destination, jsonContentType, payload); err != nil {
		return fmt.Errorf("stomp send %s: %w", destination, err)
	}
	return nil
}

func (c *stompConn) Close() error {
	err := ErrClosed
	c.once.Do(func() {
		err = c.conn.Disconnect()
		c.netConn.Close()
	})
	return err
}
