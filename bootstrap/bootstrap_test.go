package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arnweb/dfsrag/dbopen"
	"github.com/arnweb/dfsrag/manifest"
	_ "modernc.org/sqlite"
)

func testConfig(t *testing.T, root string) Config {
	t.Helper()
	cfg := Default()
	cfg.Root = root
	cfg.DBPath = filepath.Join(t.TempDir(), "manifest.db")
	cfg.FileTimeout = time.Minute
	cfg.ACLExtractor = "stat"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults with root", func(c *Config) {}, true},
		{"missing root", func(c *Config) { c.Root = "" }, false},
		{"workers too high", func(c *Config) { c.Workers = 64 }, false},
		{"workers zero", func(c *Config) { c.Workers = 0 }, false},
		{"batch too small", func(c *Config) { c.BatchSize = 10 }, false},
		{"timeout too long", func(c *Config) { c.FileTimeout = time.Hour }, false},
		{"bogus extractor", func(c *Config) { c.ACLExtractor = "xattr" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Root = "/tmp"
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("BOOTSTRAP_WORKERS", "4")
	t.Setenv("BOOTSTRAP_TIMEOUT_MINUTES", "2")
	t.Setenv("BOOTSTRAP_ACL_EXTRACTOR", "noop")

	cfg := Default()
	cfg.FromEnv()
	if cfg.Workers != 4 {
		t.Errorf("workers: %d", cfg.Workers)
	}
	if cfg.FileTimeout != 2*time.Minute {
		t.Errorf("timeout: %s", cfg.FileTimeout)
	}
	if cfg.ACLExtractor != "noop" {
		t.Errorf("extractor: %q", cfg.ACLExtractor)
	}
}

func TestRunnerEndToEnd(t *testing.T) {
	// WHAT: Full pipeline over a small tree — rows land in the manifest
	// with the expected statuses and counters.
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "a.txt"), make([]byte, 1024), 0o644)
	os.Mkdir(filepath.Join(root, "b"), 0o755)
	os.WriteFile(filepath.Join(root, "b", "c.pdf"), make([]byte, 2048), 0o644)
	os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "b", "d"))

	cfg := testConfig(t, root)
	r, err := NewRunner(cfg, nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	stats, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalDiscovered != 3 {
		t.Errorf("total_discovered: %d", stats.TotalDiscovered)
	}
	if stats.ACLCaptured != 2 {
		t.Errorf("acl_captured: %d", stats.ACLCaptured)
	}
	if stats.SkippedEntries != 1 {
		t.Errorf("skipped: %d", stats.SkippedEntries)
	}

	db, err := dbopen.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	st, err := manifest.NewStore(db).Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.Discovered != 2 || st.Skipped != 1 {
		t.Errorf("manifest stats: %+v", st)
	}
}

func TestRunnerRescanIsIdempotent(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644)
	cfg := testConfig(t, root)

	for i := 0; i < 2; i++ {
		r, err := NewRunner(cfg, nil)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		if _, err := r.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	db, _ := dbopen.Open(cfg.DBPath)
	defer db.Close()
	st, _ := manifest.NewStore(db).Stats(context.Background())
	if st.Total != 1 {
		t.Errorf("rows after rescan: %d", st.Total)
	}
}

func TestRunnerMissingRootFails(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "absent"))
	r, err := NewRunner(cfg, nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("missing root should fail the run")
	}
}
