package outbox

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/convo-go/internal/message"
)

func record(id, content string) message.Record {
	return message.Record{
		Type:              message.TypeText,
		Content:           content,
		SenderUsername:    "alice",
		RecipientUsername: "bob",
		ClientID:          id,
	}
}

func TestAcknowledge_ByClientID(t *testing.T) {
	o := New(nil)
	o.Track(record("c1", "hello"))
	o.Track(record("c2", "hello"))

	stamp := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	echo := record("c2", "hello")
	echo.SendingTime = &stamp

	e, ok := o.Acknowledge(echo)
	require.True(t, ok)
	require.Equal(t, "c2", e.ID)
	require.Equal(t, StatusAcknowledged, e.Status)
	require.Equal(t, stamp, *e.Record.SendingTime)

	first, _ := o.Get("c1")
	require.Equal(t, StatusPending, first.Status)
}

func TestAcknowledge_FallsBackToContentMatch(t *testing.T) {
	o := New(nil)
	o.Track(record("c1", "same"))
	o.Track(record("c2", "same"))

	e, ok := o.Acknowledge(record("", "same"))
	require.True(t, ok)
	require.Equal(t, "c1", e.ID, "oldest pending entry wins")

	e, ok = o.Acknowledge(record("", "same"))
	require.True(t, ok)
	require.Equal(t, "c2", e.ID)

	_, ok = o.Acknowledge(record("", "same"))
	require.False(t, ok, "nothing left to acknowledge")
}

func TestAcknowledge_IgnoresOtherConversations(t *testing.T) {
	o := New(nil)
	o.Track(record("c1", "hi"))

	other := record("", "hi")
	other.SenderUsername = "bob"
	other.RecipientUsername = "alice"
	_, ok := o.Acknowledge(other)
	require.False(t, ok)
}

func TestFailureAndRetryTransitions(t *testing.T) {
	o := New(nil)
	o.Track(record("c1", "hi"))

	e, err := o.MarkFailed("c1", errors.New("network down"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, e.Status)
	require.Equal(t, "network down", e.Err)
	require.Len(t, o.WithStatus(StatusFailed), 1)

	e, err = o.MarkPending("c1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, e.Status)
	require.Empty(t, e.Err)

	_, ok := o.Acknowledge(record("c1", "hi"))
	require.True(t, ok)

	e, err = o.MarkFailed("c1", errors.New("late failure"))
	require.NoError(t, err)
	require.Equal(t, StatusAcknowledged, e.Status, "acknowledged entries stay acknowledged")

	_, err = o.MarkFailed("missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkPending_OnlyFromFailed(t *testing.T) {
	o := New(nil)
	o.Track(record("c1", "hi"))

	e, err := o.MarkPending("c1")
	require.ErrorIs(t, err, ErrNotFailed)
	require.Equal(t, StatusPending, e.Status)

	_, err = o.MarkPending("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkPending_ConcurrentCallersWinOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		o := New(nil)
		o.Track(record("c1", "hi"))
		_, err := o.MarkFailed("c1", errors.New("down"))
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := o.MarkPending("c1"); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), wins.Load(), "round %d", round)
	}
}

func TestAcknowledge_FailedEntryByClientID(t *testing.T) {
	o := New(nil)
	o.Track(record("c1", "hi"))
	_, err := o.MarkFailed("c1", errors.New("timeout"))
	require.NoError(t, err)

	e, ok := o.Acknowledge(record("c1", "hi"))
	require.True(t, ok, "an echo proves delivery even after a reported failure")
	require.Equal(t, StatusAcknowledged, e.Status)
}

func TestJournal_RestoreAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	j1 := NewSQLiteJournal(path)
	o1 := New(j1)
	o1.Track(record("c1", "delivered"))
	o1.Track(record("c2", "in flight"))
	o1.Track(record("c3", "broken"))
	_, ok := o1.Acknowledge(record("c1", "delivered"))
	require.True(t, ok)
	_, err := o1.MarkFailed("c3", errors.New("boom"))
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	j2 := NewSQLiteJournal(path)
	defer j2.Close()
	o2 := New(j2)
	require.NoError(t, o2.Restore("alice", "bob"))

	entries := o2.Entries()
	require.Len(t, entries, 2)
	ids := []string{entries[0].ID, entries[1].ID}
	require.ElementsMatch(t, []string{"c2", "c3"}, ids)
	for _, e := range entries {
		require.Equal(t, StatusFailed, e.Status)
		require.Equal(t, e.ID, e.Record.ClientID)
	}

	require.NoError(t, o2.Restore("bob", "alice"))
	require.Len(t, o2.Entries(), 2)
}

func TestJournal_InMemoryDatabase(t *testing.T) {
	j := NewSQLiteJournal(":memory:")
	defer j.Close()

	e := Entry{ID: "c1", Record: record("c1", "hi"), Status: StatusPending, UpdatedAt: time.Now()}
	require.NoError(t, j.Save(e))
	e.Status = StatusAcknowledged
	require.NoError(t, j.Save(e))

	got, err := j.List("alice", "bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, StatusAcknowledged, got[0].Status)
}
