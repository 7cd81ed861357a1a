package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/convo-go/internal/outbox"
	"github.com/comigor/convo-go/internal/pubsub"
)

func newComposer(pool *pubsub.Pool, opts Options) (*Composer, *outbox.Outbox) {
	box := outbox.New(nil)
	return NewComposer(alice, pool, box, opts.withDefaults()), box
}

func TestComposer_BlankInputIsNoop(t *testing.T) {
	broker, pool := newMemoryPool(t)
	received := echoBackend(t, broker)
	var scrolled atomic.Int32
	c, box := newComposer(pool, Options{ScrollDelay: time.Millisecond, OnScroll: func() { scrolled.Add(1) }})

	for _, text := range []string{"", "   ", "\n\t"} {
		_, ok := c.Send(text)
		require.False(t, ok, "%q", text)
	}
	c.Wait()

	require.Empty(t, box.Entries())
	require.Equal(t, 0, broker.Dials())
	require.Never(t, func() bool { return len(received.list()) > 0 || scrolled.Load() > 0 }, 100*time.Millisecond, tick)
}

func TestComposer_SubmitClearsDraft(t *testing.T) {
	broker, pool := newMemoryPool(t)
	received := echoBackend(t, broker)
	c, _ := newComposer(pool, Options{})

	c.SetDraft("   ")
	_, ok := c.Submit()
	require.False(t, ok)
	require.Equal(t, "   ", c.Draft(), "blank drafts are left alone")

	c.SetDraft("hello bob")
	entry, ok := c.Submit()
	require.True(t, ok)
	require.Empty(t, c.Draft())
	require.Equal(t, "hello bob", entry.Record.Content)
	require.Equal(t, "alice", entry.Record.SenderUsername)
	require.Equal(t, "bob", entry.Record.RecipientUsername)
	require.NotEmpty(t, entry.Record.ClientID)
	require.Equal(t, outbox.StatusPending, entry.Status)

	c.Wait()
	require.Equal(t, []string{"hello bob"}, received.list())
}

func TestComposer_PublishFailureAndRetry(t *testing.T) {
	broker, _ := newMemoryPool(t)
	received := echoBackend(t, broker)

	var down atomic.Bool
	down.Store(true)
	pool := pubsub.NewPool(func(ctx context.Context) (pubsub.Conn, error) {
		if down.Load() {
			return nil, errors.New("broker unreachable")
		}
		return broker.Dial(ctx)
	})

	failed := make(chan outbox.Entry, 1)
	c, box := newComposer(pool, Options{OnSendFailed: func(e outbox.Entry) { failed <- e }})

	entry, ok := c.Send("are you there?")
	require.True(t, ok)

	select {
	case f := <-failed:
		require.Equal(t, entry.ID, f.ID)
		require.Equal(t, outbox.StatusFailed, f.Status)
		require.Contains(t, f.Err, "broker unreachable")
	case <-time.After(waitFor):
		t.Fatal("failure callback not invoked")
	}

	require.ErrorIs(t, c.Retry("missing"), outbox.ErrNotFound)

	down.Store(false)
	require.NoError(t, c.Retry(entry.ID))
	c.Wait()

	got, ok := box.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, outbox.StatusPending, got.Status)
	require.Equal(t, []string{"are you there?"}, received.list())
	require.ErrorIs(t, c.Retry(entry.ID), ErrNotRetryable)
}

func TestComposer_ConcurrentRetryPublishesOnce(t *testing.T) {
	broker, _ := newMemoryPool(t)
	received := echoBackend(t, broker)

	var down atomic.Bool
	down.Store(true)
	pool := pubsub.NewPool(func(ctx context.Context) (pubsub.Conn, error) {
		if down.Load() {
			return nil, errors.New("broker unreachable")
		}
		return broker.Dial(ctx)
	})
	failed := make(chan outbox.Entry, 1)
	c, _ := newComposer(pool, Options{OnSendFailed: func(e outbox.Entry) { failed <- e }})

	entry, ok := c.Send("once please")
	require.True(t, ok)
	select {
	case <-failed:
	case <-time.After(waitFor):
		t.Fatal("send did not fail")
	}
	down.Store(false)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := c.Retry(entry.ID); {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrNotRetryable):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	c.Wait()

	require.Equal(t, int32(1), succeeded.Load())
	require.Equal(t, int32(3), rejected.Load())
	require.Equal(t, []string{"once please"}, received.list())
}

func TestComposer_ScrollAfterDelay(t *testing.T) {
	_, pool := newMemoryPool(t)
	scrolled := make(chan time.Time, 1)
	c, _ := newComposer(pool, Options{ScrollDelay: 30 * time.Millisecond, OnScroll: func() { scrolled <- time.Now() }})

	start := time.Now()
	_, ok := c.Send("scroll me")
	require.True(t, ok)

	select {
	case at := <-scrolled:
		require.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(waitFor):
		t.Fatal("scroll callback not invoked")
	}
	c.Wait()
}

func TestComposer_CloseCancelsScrollAndRejectsSends(t *testing.T) {
	_, pool := newMemoryPool(t)
	var scrolled atomic.Int32
	c, _ := newComposer(pool, Options{ScrollDelay: 50 * time.Millisecond, OnScroll: func() { scrolled.Add(1) }})

	_, ok := c.Send("bye")
	require.True(t, ok)
	c.Close()

	_, ok = c.Send("too late")
	require.False(t, ok)
	require.ErrorIs(t, c.Retry("any"), pubsub.ErrClosed)

	c.Wait()
	require.Never(t, func() bool { return scrolled.Load() > 0 }, 150*time.Millisecond, tick)
}
