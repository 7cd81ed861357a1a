package session

import (
	"sync"

	"github.com/comigor/convo-go/internal/message"
)

// Entry is a record as rendered in the conversation view.
type Entry struct {
	message.Record
	// Mine reports that the local participant sent the record.
	Mine bool
}

// Store is the ordered message list of one conversation. History lands once
// at the front; live records are appended in arrival order. Live records that
// arrive before history are buffered and merged behind it. After Close every
// mutation is ignored.
type Store struct {
	local    string
	onAppend func(Entry)

	// notifyMu keeps callbacks in store order; it is always taken before mu.
	notifyMu sync.Mutex

	mu            sync.Mutex
	records       []message.Record
	early         []message.Record
	historyLoaded bool
	closed        bool
}

// NewStore creates a store attributing records sent by local as Mine.
// onAppend, if set, is called for every record that becomes visible; it may
// read the store but must not mutate it.
func NewStore(local string, onAppend func(Entry)) *Store {
	return &Store{local: local, onAppend: onAppend}
}

// SetHistory installs the historical page. Only the first call has an
// effect; it returns false when the call was ignored.
func (s *Store) SetHistory(history []message.Record) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed || s.historyLoaded {
		s.mu.Unlock()
		return false
	}
	s.historyLoaded = true
	visible := make([]message.Record, 0, len(history)+len(s.early))
	visible = append(visible, history...)
	visible = append(visible, s.early...)
	s.records = visible
	s.early = nil
	s.mu.Unlock()

	s.notify(visible)
	return true
}

// Append adds a live record. It returns false once the store is closed.
func (s *Store) Append(rec message.Record) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if !s.historyLoaded {
		s.early = append(s.early, rec)
		s.mu.Unlock()
		return true
	}
	s.records = append(s.records, rec)
	s.mu.Unlock()

	s.notify([]message.Record{rec})
	return true
}

func (s *Store) notify(records []message.Record) {
	if s.onAppend == nil {
		return
	}
	for _, r := range records {
		s.onAppend(s.entry(r))
	}
}

func (s *Store) entry(r message.Record) Entry {
	return Entry{Record: r, Mine: r.SenderUsername == s.local}
}

// Entries returns the visible records. Buffered live records are not visible
// until history lands.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.records))
	for i, r := range s.records {
		out[i] = s.entry(r)
	}
	return out
}

// Len returns the number of visible records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// HistoryLoaded reports whether the historical page has landed.
func (s *Store) HistoryLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLoaded
}

// Close freezes the store. It waits for a callback in progress, so no
// callback runs once Close returns.
func (s *Store) Close() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.early = nil
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
