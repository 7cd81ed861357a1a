// Package outbox tracks outgoing messages from publish until the backend
// echoes them back on a live topic.
package outbox

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/message"
)

var (
	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("outbox: entry not found")
	// ErrNotFailed is returned by MarkPending for entries that are not failed.
	ErrNotFailed = errors.New("outbox: entry is not failed")
)

// Status is the delivery state of an outgoing message.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Entry is one outgoing message and its delivery state.
type Entry struct {
	ID        string
	Record    message.Record
	Status    Status
	Err       string
	UpdatedAt time.Time
}

// Outbox holds the entries of one conversation. It is safe for concurrent use.
type Outbox struct {
	journal Journal
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
}

// New creates an Outbox. journal may be nil.
func New(journal Journal) *Outbox {
	return &Outbox{
		journal: journal,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// Restore loads the unacknowledged entries of a conversation from the journal.
// Entries that were still pending when the previous process stopped come back
// as failed, since their publish outcome is unknown.
func (o *Outbox) Restore(sender, recipient string) error {
	if o.journal == nil {
		return nil
	}
	entries, err := o.journal.List(sender, recipient)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range entries {
		e := e
		if e.Status == StatusAcknowledged {
			continue
		}
		if _, ok := o.entries[e.ID]; ok {
			continue
		}
		if e.Status == StatusPending {
			e.Status = StatusFailed
			e.Err = "not acknowledged before shutdown"
		}
		o.entries[e.ID] = &e
		o.order = append(o.order, e.ID)
	}
	return nil
}

// Track registers a record as pending under its ClientID.
func (o *Outbox) Track(rec message.Record) Entry {
	o.mu.Lock()
	e := &Entry{ID: rec.ClientID, Record: rec, Status: StatusPending, UpdatedAt: o.now()}
	if _, exists := o.entries[e.ID]; !exists {
		o.order = append(o.order, e.ID)
	}
	o.entries[e.ID] = e
	snapshot := *e
	o.mu.Unlock()

	o.persist(snapshot)
	return snapshot
}

// MarkFailed records a publish failure. Acknowledged entries are left untouched.
func (o *Outbox) MarkFailed(id string, cause error) (Entry, error) {
	e, _, err := o.transition(id, func(e *Entry) bool {
		if e.Status == StatusAcknowledged {
			return false
		}
		e.Status = StatusFailed
		if cause != nil {
			e.Err = cause.Error()
		}
		return true
	})
	return e, err
}

// MarkPending moves a failed entry back to pending ahead of a retry. Of
// concurrent callers on the same entry exactly one succeeds; the others get
// ErrNotFailed.
func (o *Outbox) MarkPending(id string) (Entry, error) {
	e, changed, err := o.transition(id, func(e *Entry) bool {
		if e.Status != StatusFailed {
			return false
		}
		e.Status = StatusPending
		e.Err = ""
		return true
	})
	if err != nil {
		return Entry{}, err
	}
	if !changed {
		return e, ErrNotFailed
	}
	return e, nil
}

// transition applies a change under the lock and reports whether it did anything.
func (o *Outbox) transition(id string, apply func(*Entry) bool) (Entry, bool, error) {
	o.mu.Lock()
	e, ok := o.entries[id]
	if !ok {
		o.mu.Unlock()
		return Entry{}, false, ErrNotFound
	}
	changed := apply(e)
	if changed {
		e.UpdatedAt = o.now()
	}
	snapshot := *e
	o.mu.Unlock()

	if changed {
		o.persist(snapshot)
	}
	return snapshot, changed, nil
}

// Acknowledge reconciles an echoed live record with its outgoing entry: by
// ClientID when the backend preserved it, otherwise with the oldest pending
// entry carrying the same participants and content.
func (o *Outbox) Acknowledge(rec message.Record) (Entry, bool) {
	o.mu.Lock()
	var match *Entry
	if rec.ClientID != "" {
		if e, ok := o.entries[rec.ClientID]; ok && e.Status != StatusAcknowledged {
			match = e
		}
	} else {
		for _, id := range o.order {
			e := o.entries[id]
			if e.Status == StatusPending &&
				e.Record.SenderUsername == rec.SenderUsername &&
				e.Record.RecipientUsername == rec.RecipientUsername &&
				e.Record.Content == rec.Content {
				match = e
				break
			}
		}
	}
	if match == nil {
		o.mu.Unlock()
		return Entry{}, false
	}
	match.Status = StatusAcknowledged
	match.Err = ""
	match.UpdatedAt = o.now()
	if rec.SendingTime != nil {
		match.Record.SendingTime = rec.SendingTime
	}
	snapshot := *match
	o.mu.Unlock()

	o.persist(snapshot)
	return snapshot, true
}

// Get returns the entry with id.
func (o *Outbox) Get(id string) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns every entry in send order.
func (o *Outbox) Entries() []Entry {
	return o.filter(func(Entry) bool { return true })
}

// WithStatus returns the entries in status s, in send order.
func (o *Outbox) WithStatus(s Status) []Entry {
	return o.filter(func(e Entry) bool { return e.Status == s })
}

func (o *Outbox) filter(keep func(Entry) bool) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, 0, len(o.order))
	for _, id := range o.order {
		if e := *o.entries[id]; keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (o *Outbox) persist(e Entry) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Save(e); err != nil {
		logger.L.Warn("outbox journal save failed", "id", e.ID, "error", err)
	}
}

func sortByUpdate(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
	})
}
