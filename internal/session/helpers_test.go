package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/convo-go/internal/message"
	"github.com/comigor/convo-go/internal/pubsub"
)

type mockFetcher struct {
	mu      sync.Mutex
	calls   int
	records []message.Record
	err     error
	pages   []int
	sizes   []int
	// gate, when set, holds the response until it is closed.
	gate chan struct{}
}

func (m *mockFetcher) GetMessages(ctx context.Context, sender, recipient string, page, size int) (message.Page[message.Record], error) {
	m.mu.Lock()
	m.calls++
	m.pages = append(m.pages, page)
	m.sizes = append(m.sizes, size)
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if m.err != nil {
		return message.Page[message.Record]{}, m.err
	}
	return message.Page[message.Record]{Content: m.records, Number: page, Size: size}, nil
}

func (m *mockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// eventLog records the order in which collaborators were called.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// collector gathers OnMessage callbacks.
type collector struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *collector) add(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func rec(from, to, content string) message.Record {
	return message.Record{Type: message.TypeText, Content: content, SenderUsername: from, RecipientUsername: to}
}

func publishRecord(t *testing.T, broker *pubsub.MemoryBroker, topic string, r message.Record) {
	t.Helper()
	payload, err := json.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(topic, payload))
}

// echoBackend plays the server: every record published to the outgoing
// destination is stamped and re-published on the sender's topic.
func echoBackend(t *testing.T, broker *pubsub.MemoryBroker) *eventLog {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	received := &eventLog{}
	err := broker.Subscribe(ctx, message.OutgoingDestination, func(payload []byte) {
		r, err := message.Decode(payload)
		if err != nil {
			return
		}
		received.add(r.Content)
		now := time.Now()
		r.SendingTime = &now
		out, _ := json.Marshal(r)
		_ = broker.Publish(message.Topic(r.SenderUsername), out)
	})
	require.NoError(t, err)
	return received
}

func newMemoryPool(t *testing.T) (*pubsub.MemoryBroker, *pubsub.Pool) {
	t.Helper()
	broker := pubsub.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	return broker, pubsub.NewPool(broker.Dial)
}

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)
