package dbopen

import (
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestOpenMemory(t *testing.T) {
	db := OpenMemory(t)
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	// In-memory databases report "memory"; file databases report "wal".
	if mode != "memory" && mode != "wal" {
		t.Errorf("journal_mode: got %q", mode)
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	db, err := Open(path, WithCacheMB(16), WithMmap(1<<20))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode: got %q, want wal", mode)
	}

	var cache int
	if err := db.QueryRow("PRAGMA cache_size").Scan(&cache); err != nil {
		t.Fatalf("cache_size: %v", err)
	}
	if cache != -16*1024 {
		t.Errorf("cache_size: got %d, want %d", cache, -16*1024)
	}
}

func TestOpenMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "manifest.db")
	db, err := Open(path, WithMkdirAll())
	if err != nil {
		t.Fatalf("open with mkdir: %v", err)
	}
	db.Close()
}

func TestOpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE t (x INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Close()

	ro, err := Open(path, WithReadOnly())
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()
	if _, err := ro.Exec(`INSERT INTO t (x) VALUES (1)`); err == nil {
		t.Error("insert on read-only connection should fail")
	}
}
