// Package sqlitedb centralizes the SQLite connection settings every
// package backed by a local database file shares: WAL journaling, foreign
// keys, a busy timeout, and the single-writer connection pool SQLite
// requires.
package sqlitedb

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) a SQLite database at path with the
// pragmas this project relies on everywhere it touches SQLite directly.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedb: ping %s: %w", path, err)
	}
	// SQLite allows only one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY contention between goroutines sharing *sql.DB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenMemory opens a private in-memory database, primarily for tests.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open in-memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
