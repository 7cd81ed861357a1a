// Package recent keeps the conversation index: the latest page of recent
// chats, kept fresh by the recent-chats topic.
package recent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/message"
	"github.com/comigor/convo-go/internal/pubsub"
)

const defaultPageSize = 10

// Fetcher is the REST call the list depends on.
type Fetcher interface {
	GetRecentChats(ctx context.Context, page, size int) (message.Page[message.RecentChat], error)
}

// List holds recent chats, most recent first.
type List struct {
	fetcher  Fetcher
	pool     *pubsub.Pool
	pageSize int
	timeout  time.Duration
	onChange func([]message.RecentChat)

	mu    sync.Mutex
	chats []message.RecentChat
	lease *pubsub.Lease
	sub   pubsub.Subscription
}

// NewList creates a List. onChange, if set, receives a snapshot after every
// update.
func NewList(fetcher Fetcher, pool *pubsub.Pool, timeout time.Duration, onChange func([]message.RecentChat)) *List {
	return &List{
		fetcher:  fetcher,
		pool:     pool,
		pageSize: defaultPageSize,
		timeout:  timeout,
		onChange: onChange,
	}
}

// Load replaces the list with the first page from the backend. On error the
// list is left as it was.
func (l *List) Load(ctx context.Context) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	page, err := l.fetcher.GetRecentChats(ctx, 0, l.pageSize)
	if err != nil {
		logger.L.Error("Error fetching recent chats", "error", err)
		return err
	}

	l.mu.Lock()
	l.chats = append([]message.RecentChat(nil), page.Content...)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.notify(snapshot)
	return nil
}

// Refresh reloads the first page.
func (l *List) Refresh(ctx context.Context) error {
	return l.Load(ctx)
}

// Start subscribes to the recent-chats topic. It is a no-op when already
// subscribed.
func (l *List) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return nil
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	lease, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	sub, err := lease.Conn().Subscribe(message.RecentChatsTopic, l.handle)
	if err != nil {
		_ = lease.Release()
		return err
	}
	l.lease, l.sub = lease, sub
	logger.L.Info("subscribed to recent chats")
	return nil
}

func (l *List) handle(payload []byte) {
	var chat message.RecentChat
	if err := json.Unmarshal(payload, &chat); err != nil || chat.Username == "" {
		logger.L.Warn("dropping malformed recent chat event", "error", err)
		return
	}

	l.mu.Lock()
	if l.sub == nil {
		l.mu.Unlock()
		return
	}
	l.promoteLocked(chat)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.notify(snapshot)
}

// promoteLocked puts chat at the front, dropping any older entry for the same user.
func (l *List) promoteLocked(chat message.RecentChat) {
	out := make([]message.RecentChat, 0, len(l.chats)+1)
	out = append(out, chat)
	for _, c := range l.chats {
		if c.Username != chat.Username {
			out = append(out, c)
		}
	}
	l.chats = out
}

// Stop releases the subscription.
func (l *List) Stop() error {
	l.mu.Lock()
	sub, lease := l.sub, l.lease
	l.sub, l.lease = nil, nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		logger.L.Warn("unsubscribe failed", "error", err)
	}
	return lease.Release()
}

// Chats returns the list, most recent first.
func (l *List) Chats() []message.RecentChat {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Filter returns the chats whose full name or bio contain query, ignoring
// case. A blank query returns every chat.
func (l *List) Filter(query string) []message.RecentChat {
	q := strings.ToLower(strings.TrimSpace(query))
	chats := l.Chats()
	if q == "" {
		return chats
	}

	out := make([]message.RecentChat, 0, len(chats))
	for _, c := range chats {
		if strings.Contains(strings.ToLower(c.FullName), q) || strings.Contains(strings.ToLower(c.Bio), q) {
			out = append(out, c)
		}
	}
	return out
}

func (l *List) snapshotLocked() []message.RecentChat {
	return append([]message.RecentChat{}, l.chats...)
}

func (l *List) notify(snapshot []message.RecentChat) {
	if l.onChange != nil {
		l.onChange(snapshot)
	}
}
