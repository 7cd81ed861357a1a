package session

import (
	"context"
	"time"

	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/message"
)

// MessageFetcher is the REST call the history loader depends on; *api.Client
// satisfies it and tests replace it with a mock.
type MessageFetcher interface {
	GetMessages(ctx context.Context, sender, recipient string, page, size int) (message.Page[message.Record], error)
}

// HistoryLoader fetches the first page of a conversation.
type HistoryLoader struct {
	fetcher  MessageFetcher
	pageSize int
	timeout  time.Duration
}

// NewHistoryLoader creates a new HistoryLoader
func NewHistoryLoader(fetcher MessageFetcher, pageSize int, timeout time.Duration) *HistoryLoader {
	return &HistoryLoader{fetcher: fetcher, pageSize: pageSize, timeout: timeout}
}

// Load issues a single fetch of page. Errors are logged and yield an empty
// history so the conversation can start without it.
func (l *HistoryLoader) Load(ctx context.Context, sender, recipient string, page int) []message.Record {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	res, err := l.fetcher.GetMessages(ctx, sender, recipient, page, l.pageSize)
	if err != nil {
		logger.L.Error("Error fetching messages", "sender", sender, "recipient", recipient, "page", page, "error", err)
		return []message.Record{}
	}
	if res.Content == nil {
		return []message.Record{}
	}
	return res.Content
}
