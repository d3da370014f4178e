package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection holding the engine's entities, sync queue,
// and watermarks. All mutating entity methods take the per-entity lock so
// read-modify-write sequences from the API and the sync worker interleave
// safely.
type DB struct {
	*sql.DB
	path  string
	locks *keyedMutex
	now   func() time.Time

	typesMu    sync.RWMutex
	knownTypes map[string]bool
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{
		DB:         db,
		path:       path,
		locks:      newKeyedMutex(),
		now:        time.Now,
		knownTypes: make(map[string]bool),
	}, nil
}

// SetClock overrides the time source, for tests.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) nowMilli() int64 {
	return db.now().UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
