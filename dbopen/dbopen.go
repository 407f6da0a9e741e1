// Package dbopen provides a single function to open the manifest SQLite
// database with production-safe pragmas applied via EXEC (driver-agnostic).
//
// Default pragmas:
//
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// The manifest is written by exactly one engine at a time; WAL lets the
// read-only surfaces (stats, file listing) open their own connections
// concurrently with the writer.
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("manifest.db", dbopen.WithCacheMB(64))
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type config struct {
	driver      string
	busyTimeout int
	cacheMB     int
	mmapBytes   int64
	synchronous string
	mkdirAll    bool
	readOnly    bool
	ping        bool
}

func defaults() config {
	return config{
		driver:      "sqlite",
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		ping:        true,
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithCacheMB sets PRAGMA cache_size to the given number of megabytes.
// 0 (default) keeps the SQLite default.
func WithCacheMB(mb int) Option { return func(c *config) { c.cacheMB = mb } }

// WithMmap sets PRAGMA mmap_size in bytes so reads go through the memory
// map instead of read() calls. 0 (default) keeps memory-mapped I/O disabled.
func WithMmap(bytes int64) Option { return func(c *config) { c.mmapBytes = bytes } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithReadOnly opens the connection in query-only mode. Reader connections
// (stats, listings) use this so they can never contend for the write lock.
func WithReadOnly() Option { return func(c *config) { c.readOnly = true } }

// WithoutPing skips the db.Ping() verification after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// Open opens the SQLite database at path with the manifest pragmas applied.
// The caller must blank-import a driver before calling Open:
//
//	import _ "modernc.org/sqlite"
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}

	if err := applyPragmas(db, &cfg); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: ping: %w", err)
		}
	}

	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
// It sets MaxOpenConns(1) to ensure all queries hit the same in-memory
// database (each connection to ":memory:" creates a separate database).
// It registers t.Cleanup to close the database automatically.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func applyPragmas(db *sql.DB, cfg *config) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}

	if cfg.cacheMB > 0 {
		// Negative cache_size is KiB rather than pages.
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = %d", -cfg.cacheMB*1024))
	}
	if cfg.mmapBytes > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA mmap_size = %d", cfg.mmapBytes))
	}
	if cfg.readOnly {
		pragmas = append(pragmas, "PRAGMA query_only = ON")
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	return nil
}
