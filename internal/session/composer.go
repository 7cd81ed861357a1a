package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/message"
	"github.com/comigor/convo-go/internal/outbox"
	"github.com/comigor/convo-go/internal/pubsub"
)

// ErrNotRetryable is returned by Retry for entries that are not in the failed state.
var ErrNotRetryable = errors.New("only failed messages can be retried")

// Composer builds and publishes outgoing records. Sends are fire-and-forget:
// the record shows up in the conversation once the backend echoes it, and the
// outbox tracks it until then.
type Composer struct {
	pair        Participants
	pool        *pubsub.Pool
	outbox      *outbox.Outbox
	timeout     time.Duration
	scrollDelay time.Duration
	onScroll    func()
	onFailure   func(outbox.Entry)
	newID       func() string

	inflight sync.WaitGroup

	mu     sync.Mutex
	draft  string
	timers []*time.Timer
	closed bool
}

// NewComposer creates a new Composer
func NewComposer(pair Participants, pool *pubsub.Pool, box *outbox.Outbox, opts Options) *Composer {
	return &Composer{
		pair:        pair,
		pool:        pool,
		outbox:      box,
		timeout:     opts.ConnectTimeout,
		scrollDelay: opts.ScrollDelay,
		onScroll:    opts.OnScroll,
		onFailure:   opts.OnSendFailed,
		newID:       uuid.NewString,
	}
}

// SetDraft replaces the input text.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the input text.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Submit sends the draft. A non-blank draft is cleared immediately, whatever
// the publish outcome.
func (c *Composer) Submit() (outbox.Entry, bool) {
	c.mu.Lock()
	text := c.draft
	if strings.TrimSpace(text) != "" {
		c.draft = ""
	}
	c.mu.Unlock()
	return c.Send(text)
}

// Send publishes text to the outgoing destination. Blank or whitespace-only
// text is ignored. It returns the tracked outbox entry.
func (c *Composer) Send(text string) (outbox.Entry, bool) {
	if strings.TrimSpace(text) == "" {
		return outbox.Entry{}, false
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return outbox.Entry{}, false
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	rec := message.Record{
		Type:              message.TypeText,
		Content:           text,
		SenderUsername:    c.pair.Local,
		RecipientUsername: c.pair.Remote,
		ClientID:          c.newID(),
	}
	entry := c.outbox.Track(rec)

	go c.publish(entry)
	c.scheduleScroll()
	return entry, true
}

// Retry republishes a failed entry.
func (c *Composer) Retry(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pubsub.ErrClosed
	}
	c.mu.Unlock()

	entry, err := c.outbox.MarkPending(id)
	if errors.Is(err, outbox.ErrNotFailed) {
		return fmt.Errorf("retry %s (%s): %w", id, entry.Status, ErrNotRetryable)
	}
	if err != nil {
		return err
	}

	c.inflight.Add(1)
	go c.publish(entry)
	return nil
}

func (c *Composer) publish(entry outbox.Entry) {
	defer c.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err := c.send(ctx, entry.Record)
	if err == nil {
		logger.L.Debug("message published", "id", entry.ID)
		return
	}

	logger.L.Warn("failed to publish message", "id", entry.ID, "error", err)
	failed, markErr := c.outbox.MarkFailed(entry.ID, err)
	if markErr != nil || failed.Status != outbox.StatusFailed {
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed && c.onFailure != nil {
		c.onFailure(failed)
	}
}

func (c *Composer) send(ctx context.Context, rec message.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	return lease.Conn().Publish(ctx, message.OutgoingDestination, payload)
}

func (c *Composer) scheduleScroll() {
	if c.onScroll == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.scrollDelay, func() {
		c.mu.Lock()
		closed := c.closed
		for i, x := range c.timers {
			if x == t {
				c.timers = append(c.timers[:i], c.timers[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		if !closed {
			c.onScroll()
		}
	})
	c.timers = append(c.timers, t)
}

// acknowledge reconciles an echoed record with the outbox.
func (c *Composer) acknowledge(rec message.Record) {
	if e, ok := c.outbox.Acknowledge(rec); ok {
		logger.L.Debug("message acknowledged", "id", e.ID)
	}
}

// Close cancels pending scroll callbacks and stops accepting sends.
// Publishes already in flight run to completion.
func (c *Composer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

// Wait blocks until in-flight publishes finish.
func (c *Composer) Wait() {
	c.inflight.Wait()
}
