// Package session implements the live conversation session: one participant
// pair's message history plus a live subscription feed, from mount to unmount.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/comigor/convo-go/internal/config"
	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/message"
	"github.com/comigor/convo-go/internal/outbox"
	"github.com/comigor/convo-go/internal/pubsub"
)

// ErrMissingParticipant is returned by Mount when either identity is blank.
var ErrMissingParticipant = errors.New("session: both participants are required")

// Participants identifies the two sides of a conversation. Local is the
// identity messages are attributed to as "mine".
type Participants struct {
	Local  string
	Remote string
}

// Options tunes a session. Zero values fall back to defaults.
type Options struct {
	HistoryPageSize int
	FetchTimeout    time.Duration
	ConnectTimeout  time.Duration
	ScrollDelay     time.Duration

	// OnMessage is called for every record that becomes visible, in order.
	OnMessage func(Entry)
	// OnScroll is called shortly after each send, once the echo had a chance to land.
	OnScroll func()
	// OnSendFailed is called when a publish fails.
	OnSendFailed func(outbox.Entry)
}

// OptionsFromConfig maps the session section of the configuration.
func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		HistoryPageSize: cfg.HistoryPageSize,
		FetchTimeout:    cfg.FetchTimeout,
		ConnectTimeout:  cfg.ConnectTimeout,
		ScrollDelay:     cfg.ScrollDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.HistoryPageSize <= 0 {
		o.HistoryPageSize = 100
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 15 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.ScrollDelay <= 0 {
		o.ScrollDelay = 100 * time.Millisecond
	}
	return o
}

// Session is one mount-to-unmount lifetime of a conversation.
type Session struct {
	pair     Participants
	store    *Store
	loader   *HistoryLoader
	live     *LiveManager
	composer *Composer
	outbox   *outbox.Outbox

	ctx    context.Context
	cancel context.CancelFunc

	historyIssued chan struct{}
	historyDone   chan struct{}
	closeOnce     sync.Once
}

func newSession(ctx context.Context, pair Participants, fetcher MessageFetcher, pool *pubsub.Pool, journal outbox.Journal, opts Options) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		pair:          pair,
		store:         NewStore(pair.Local, opts.OnMessage),
		outbox:        outbox.New(journal),
		ctx:           ctx,
		cancel:        cancel,
		historyIssued: make(chan struct{}),
		historyDone:   make(chan struct{}),
	}
	s.loader = NewHistoryLoader(&issueSignal{MessageFetcher: fetcher, issued: s.historyIssued}, opts.HistoryPageSize, opts.FetchTimeout)
	s.live = NewLiveManager(pool, pair, opts.ConnectTimeout, s.deliver)
	s.composer = NewComposer(pair, pool, s.outbox, opts)

	if err := s.outbox.Restore(pair.Local, pair.Remote); err != nil {
		logger.L.Warn("outbox restore failed", "error", err)
	}
	return s
}

// start requests history, then opens the live subscription without waiting
// for the history response. Live records that win the race are buffered by
// the store.
func (s *Session) start() {
	go s.loadHistory()

	select {
	case <-s.historyIssued:
	case <-s.historyDone:
	case <-s.ctx.Done():
		return
	}

	if err := s.live.Start(s.ctx); err != nil && !errors.Is(err, ErrTornDown) {
		logger.L.Warn("conversation continues without live updates", "local", s.pair.Local, "remote", s.pair.Remote, "error", err)
	}
}

func (s *Session) loadHistory() {
	defer close(s.historyDone)

	records := s.loader.Load(s.ctx, s.pair.Local, s.pair.Remote, 0)
	if s.ctx.Err() != nil {
		logger.L.Debug("discarding history of an unmounted session", "remote", s.pair.Remote)
		return
	}
	s.store.SetHistory(records)
}

func (s *Session) deliver(rec message.Record) {
	if !s.store.Append(rec) {
		return
	}
	if rec.SenderUsername == s.pair.Local {
		s.composer.acknowledge(rec)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.store.Close()
		if err := s.live.Stop(); err != nil {
			logger.L.Warn("live subscription stop failed", "error", err)
		}
		s.composer.Close()
		logger.L.Info("conversation session closed", "local", s.pair.Local, "remote", s.pair.Remote)
	})
}

// Participants returns the session's participant pair.
func (s *Session) Participants() Participants { return s.pair }

// Entries returns the rendered message list.
func (s *Session) Entries() []Entry { return s.store.Entries() }

// State returns the live subscription state.
func (s *Session) State() LinkState { return s.live.State() }

// Composer returns the session's composer.
func (s *Session) Composer() *Composer { return s.composer }

// Send is shorthand for Composer().Send.
func (s *Session) Send(text string) (outbox.Entry, bool) { return s.composer.Send(text) }

// Retry republishes a failed outgoing message.
func (s *Session) Retry(id string) error { return s.composer.Retry(id) }

// Outgoing returns the tracked outgoing messages in send order.
func (s *Session) Outgoing() []outbox.Entry { return s.outbox.Entries() }

// HistoryDone is closed once the history fetch finished, successfully or not.
func (s *Session) HistoryDone() <-chan struct{} { return s.historyDone }

// Closed reports whether the session was unmounted.
func (s *Session) Closed() bool { return s.store.Closed() }

// issueSignal marks the moment the history request is issued.
type issueSignal struct {
	MessageFetcher
	issued chan struct{}
	once   sync.Once
}

func (f *issueSignal) GetMessages(ctx context.Context, sender, recipient string, page, size int) (message.Page[message.Record], error) {
	f.once.Do(func() { close(f.issued) })
	return f.MessageFetcher.GetMessages(ctx, sender, recipient, page, size)
}

// Controller owns the session of one conversation view. Mounting the same
// pair again returns the live session; mounting another pair tears the
// previous one down first.
type Controller struct {
	fetcher MessageFetcher
	pool    *pubsub.Pool
	journal outbox.Journal
	opts    Options

	mu      sync.Mutex
	current *Session
}

// NewController creates a new Controller. journal may be nil.
func NewController(fetcher MessageFetcher, pool *pubsub.Pool, journal outbox.Journal, opts Options) *Controller {
	return &Controller{
		fetcher: fetcher,
		pool:    pool,
		journal: journal,
		opts:    opts.withDefaults(),
	}
}

// Mount opens (or returns the already open) session for pair. It returns once
// the history request is issued and the live subscription attempt finished;
// a failed subscription leaves a history-only session.
func (c *Controller) Mount(ctx context.Context, pair Participants) (*Session, error) {
	if strings.TrimSpace(pair.Local) == "" || strings.TrimSpace(pair.Remote) == "" {
		return nil, ErrMissingParticipant
	}

	c.mu.Lock()
	if cur := c.current; cur != nil && cur.pair == pair && !cur.Closed() {
		c.mu.Unlock()
		return cur, nil
	}
	prev := c.current
	s := newSession(ctx, pair, c.fetcher, c.pool, c.journal, c.opts)
	c.current = s
	c.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	logger.L.Info("conversation session mounted", "local", pair.Local, "remote", pair.Remote)
	s.start()
	return s, nil
}

// Unmount tears down the current session, if any.
func (c *Controller) Unmount() {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()

	if s != nil {
		s.close()
	}
}

// Current returns the mounted session or nil.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
