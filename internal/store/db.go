// Package store persists chat membership, call records and message history in
// SQLite. Call-record mutations are field-level: concurrent writers touching
// disjoint sub-fields (their own membership row, their own screen-share row)
// never clobber each other, and every mutation fans a fresh snapshot out to
// watchers as a serialized change stream.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database for a peer.
type DB struct {
	db   *sql.DB
	path string

	// Serializes mutation+notify pairs so watchers observe changes in the
	// order they were applied.
	mu sync.Mutex

	watchMu  sync.Mutex
	watchers map[string][]chan *CallRecord // chatID → subscriber channels
	allWatch []chan *CallRecord            // subscribers to every chat's call records
}

// Open opens or creates the SQLite database in the given directory.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "huddle.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{
		db:       db,
		path:     dbPath,
		watchers: make(map[string][]chan *CallRecord),
	}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	title      TEXT DEFAULT '',
	summary    TEXT DEFAULT '',
	summary_ts INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chat_members (
	chat_id      TEXT NOT NULL,
	uid          TEXT NOT NULL,
	display_name TEXT DEFAULT '',
	avatar_hash  TEXT DEFAULT '',
	PRIMARY KEY (chat_id, uid)
);

CREATE TABLE IF NOT EXISTS calls (
	chat_id       TEXT PRIMARY KEY,
	id            TEXT NOT NULL,
	initiator_uid TEXT NOT NULL,
	is_video      INTEGER DEFAULT 0,
	is_group      INTEGER DEFAULT 0,
	start_time    INTEGER DEFAULT 0,
	status        TEXT DEFAULT '',
	is_active     INTEGER DEFAULT 1,
	details       TEXT DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS call_participants (
	chat_id TEXT NOT NULL,
	uid     TEXT NOT NULL,
	PRIMARY KEY (chat_id, uid)
);

CREATE TABLE IF NOT EXISTS call_screen_shares (
	chat_id TEXT NOT NULL,
	uid     TEXT NOT NULL,
	PRIMARY KEY (chat_id, uid)
);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id      TEXT NOT NULL,
	sender_uid   TEXT NOT NULL,
	kind         TEXT DEFAULT 'text',
	body         TEXT DEFAULT '',
	labels       TEXT DEFAULT '{}',
	duration_sec INTEGER DEFAULT 0,
	ts           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, ts);

CREATE TABLE IF NOT EXISTS unread_counts (
	chat_id TEXT NOT NULL,
	uid     TEXT NOT NULL,
	count   INTEGER DEFAULT 0,
	PRIMARY KEY (chat_id, uid)
);
`

// Path returns the database file path.
func (s *DB) Path() string { return s.path }

// Close closes the database and all watch channels.
func (s *DB) Close() error {
	s.watchMu.Lock()
	for _, chans := range s.watchers {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.watchers = make(map[string][]chan *CallRecord)
	for _, ch := range s.allWatch {
		close(ch)
	}
	s.allWatch = nil
	s.watchMu.Unlock()
	return s.db.Close()
}
