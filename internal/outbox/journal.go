package outbox

// The journal persists outbox entries to SQLite so unacknowledged sends
// survive a restart. The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, it falls back to in-memory storage.

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/convo-go/internal/logger"
	"github.com/comigor/convo-go/internal/message"
)

// Journal stores outbox entries.
type Journal interface {
	Save(e Entry) error
	List(sender, recipient string) ([]Entry, error)
}

// SQLiteJournal is a Journal backed by a SQLite file.
type SQLiteJournal struct {
	path string

	dbOnce  sync.Once
	db      *sql.DB
	initErr error

	mu      sync.Mutex
	entries map[string]Entry // in-memory fallback
}

// NewSQLiteJournal creates a journal at path. Use ":memory:" for a throwaway database.
func NewSQLiteJournal(path string) *SQLiteJournal {
	return &SQLiteJournal{path: path, entries: make(map[string]Entry)}
}

// initDB lazily opens the SQLite database and creates the outbox table if it doesn't exist.
func (j *SQLiteJournal) initDB() {
	var err error
	j.db, err = sql.Open("sqlite", "file:"+j.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		j.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory outbox", "error", err)
		return
	}
	// A single connection keeps ":memory:" databases shared across calls.
	j.db.SetMaxOpenConns(1)
	if _, err = j.db.Exec(`CREATE TABLE IF NOT EXISTS outbox (
        id TEXT PRIMARY KEY,
        sender TEXT NOT NULL,
        recipient TEXT NOT NULL,
        type TEXT NOT NULL,
        content TEXT NOT NULL,
        status TEXT NOT NULL,
        error TEXT,
        updated_at INTEGER NOT NULL
    );`); err != nil {
		j.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory outbox", "error", err)
		return
	}
	logger.L.Info("sqlite outbox journal initialized", "path", j.path)
}

func (j *SQLiteJournal) ready() bool {
	j.dbOnce.Do(j.initDB)
	return j.initErr == nil && j.db != nil
}

// Save upserts an entry in the database when available and always keeps
// an in-memory copy as fallback.
func (j *SQLiteJournal) Save(e Entry) error {
	if j.ready() {
		_, err := j.db.Exec(`INSERT INTO outbox (id, sender, recipient, type, content, status, error, updated_at)
            VALUES (?,?,?,?,?,?,?,?)
            ON CONFLICT(id) DO UPDATE SET status = excluded.status, error = excluded.error, updated_at = excluded.updated_at;`,
			e.ID, e.Record.SenderUsername, e.Record.RecipientUsername, string(e.Record.Type), e.Record.Content,
			string(e.Status), e.Err, e.UpdatedAt.UnixMilli())
		if err != nil {
			logger.L.Error("failed to store outbox entry in sqlite; falling back to memory", "error", err)
		}
	}

	j.mu.Lock()
	j.entries[e.ID] = e
	j.mu.Unlock()
	return nil
}

// List returns the entries of a conversation in the order they were last updated.
func (j *SQLiteJournal) List(sender, recipient string) ([]Entry, error) {
	var out []Entry
	if j.ready() {
		rows, err := j.db.Query(`SELECT id, sender, recipient, type, content, status, error, updated_at
            FROM outbox WHERE sender = ? AND recipient = ? ORDER BY updated_at ASC, rowid ASC;`, sender, recipient)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var (
					e       Entry
					typ     string
					status  string
					errText sql.NullString
					updated int64
				)
				if err := rows.Scan(&e.ID, &e.Record.SenderUsername, &e.Record.RecipientUsername, &typ,
					&e.Record.Content, &status, &errText, &updated); err == nil {
					e.Record.Type = message.Type(typ)
					e.Record.ClientID = e.ID
					e.Status = Status(status)
					e.Err = errText.String
					e.UpdatedAt = time.UnixMilli(updated)
					out = append(out, e)
				}
			}
			return out, rows.Err()
		}
		logger.L.Warn("sqlite outbox query failed; reading memory", "error", err)
	}

	j.mu.Lock()
	for _, e := range j.entries {
		if e.Record.SenderUsername == sender && e.Record.RecipientUsername == recipient {
			out = append(out, e)
		}
	}
	j.mu.Unlock()
	sortByUpdate(out)
	return out, nil
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
