package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/comigor/convo-go/internal/logger"
)

// MemoryBroker is an in-process broker backed by watermill's GoChannel.
// Topics are used verbatim. It backs tests and local demos.
type MemoryBroker struct {
	channel *gochannel.GoChannel

	mu    sync.Mutex
	subs  map[string]int
	dials int
}

// NewMemoryBroker creates a new MemoryBroker logging through logger.L.
func NewMemoryBroker() *MemoryBroker {
	return newMemoryBroker(logger.L)
}

func newMemoryBroker(l *slog.Logger) *MemoryBroker {
	return &MemoryBroker{
		// Blocking until ack keeps per-topic delivery in publish order.
		channel: gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NewSlogLogger(l)),
		subs:    make(map[string]int),
	}
}

// Dial implements Dialer.
func (b *MemoryBroker) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.dials++
	b.mu.Unlock()
	return &memoryConn{broker: b, active: make(map[*memorySubscription]struct{})}, nil
}

// Publish injects a payload as if a remote peer had sent it.
func (b *MemoryBroker) Publish(topic string, payload []byte) error {
	return b.channel.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Subscribe listens on topic outside of any connection, e.g. to play the
// backend's part in tests. Cancel ctx to stop.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	msgs, err := b.channel.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			handler(msg.Payload)
			msg.Ack()
		}
	}()
	return nil
}

// Subscribers reports how many connection subscriptions are active on topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[topic]
}

// Dials reports how many connections have been opened.
func (b *MemoryBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Close shuts the broker down.
func (b *MemoryBroker) Close() error {
	return b.channel.Close()
}

func (b *MemoryBroker) track(topic string, delta int) {
	b.mu.Lock()
	b.subs[topic] += delta
	b.mu.Unlock()
}

type memoryConn struct {
	broker *MemoryBroker

	mu     sync.Mutex
	closed bool
	active map[*memorySubscription]struct{}
}

func (c *memoryConn) Subscribe(topic string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := c.broker.channel.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &memorySubscription{conn: c, topic: topic, cancel: cancel}
	c.active[sub] = struct{}{}
	c.broker.track(topic, 1)

	go func() {
		for msg := range msgs {
			handler(msg.Payload)
			msg.Ack()
		}
		logger.L.Debug("memory subscription loop ended", "topic", topic)
	}()
	return sub, nil
}

func (c *memoryConn) Publish(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.broker.Publish(destination, payload)
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	subs := make([]*memorySubscription, 0, len(c.active))
	for s := range c.active {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

type memorySubscription struct {
	conn   *memoryConn
	topic  string
	cancel context.CancelFunc
	once   sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.conn.mu.Lock()
		delete(s.conn.active, s)
		s.conn.mu.Unlock()
		s.conn.broker.track(s.topic, -1)
	})
	return nil
}
