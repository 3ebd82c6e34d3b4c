package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// logFormatVersion is stored in PRAGMA user_version.
//
//	1 - log_records + snapshots
const logFormatVersion = 1

// Store is the durable recovery log of a space.
//
// A space is the only writer, so the pool holds a single connection and
// appends are serialized by database/sql rather than by SQLite's lock.
type Store struct {
	db   *sql.DB
	path string
	sync bool
}

// Option configures Open.
type Option func(*Store)

// WithSyncDurability makes every append reach stable storage before it
// returns (PRAGMA synchronous = FULL).
func WithSyncDurability(enabled bool) Option {
	return func(s *Store) {
		s.sync = enabled
	}
}

// Open opens the log at path, creating it if needed. ":memory:" gives a
// log that lives as long as the Store.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recovery log %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := s.prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("recovery log %s: %w", path, err)
	}

	s.db = db
	return s, nil
}

func (s *Store) prepare(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for _, pragma := range s.pragmas() {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return checkFormat(db)
}

// pragmas returns the connection settings. WAL lets inspect and backup
// read while a server appends.
func (s *Store) pragmas() []string {
	synchronous := "NORMAL"
	if s.sync {
		synchronous = "FULL"
	}
	return []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = " + synchronous,
		"PRAGMA busy_timeout = 5000",
	}
}

// checkFormat refuses logs written by a newer release and stamps fresh
// ones.
func checkFormat(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read format version: %w", err)
	}
	if version > logFormatVersion {
		return fmt.Errorf("log format version %d is newer than supported version %d", version, logFormatVersion)
	}
	if version == logFormatVersion {
		return nil
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", logFormatVersion)); err != nil {
		return fmt.Errorf("set format version: %w", err)
	}
	return nil
}

// Path returns the path the log was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the log.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for tests that tamper with records.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}
	return value, nil
}
