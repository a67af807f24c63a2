// Package store manages the low-level SQLite connection the sync engine
// writes through: opening with WAL + busy_timeout, a cross-process write
// lock for the embedding application's data directory, and the
// checkpoint-on-close shutdown sequence.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an open SQLite connection plus the directory its cross-process
// lock file lives in.
type DB struct {
	Conn    *sql.DB
	baseDir string
}

func openConn(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// A single writer connection — SQLite only supports one, and pinning
	// the pool here keeps the driver from opening extras that could
	// corrupt the WAL/SHM files under concurrent access.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	return conn, nil
}

// Open opens (creating if absent) the SQLite database at
// <baseDir>/<relPath>, with WAL mode and a busy timeout.
func Open(baseDir, relPath string) (*DB, error) {
	dbPath := filepath.Join(baseDir, relPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db dir: %w", err)
	}
	conn, err := openConn(dbPath)
	if err != nil {
		return nil, err
	}
	return &DB{Conn: conn, baseDir: baseDir}, nil
}

// Close checkpoints the WAL back into the main database file (best-effort)
// before closing the connection, so no stale -wal/-shm files are left for
// a later opener to trip over.
func (db *DB) Close() error {
	db.Conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.Conn.Close()
}

// WithWriteLock runs fn while holding the cross-process exclusive write
// lock scoped to the database's directory. The engine wraps each of its
// mutating entry points (Insert, Exec, WithTx, TrackTable, Reset) in
// this, so a second process writing through the same data dir — the
// reset subcommand against a running daemon, most commonly — can't
// interleave with an in-flight write.
func (db *DB) WithWriteLock(fn func() error) error {
	locker := newWriteLocker(db.baseDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}
