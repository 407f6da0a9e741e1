package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "ckpt.json"), nil)
	cp, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp != nil {
		t.Errorf("expected nil checkpoint, got %+v", cp)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "ckpt.json"), nil)
	in := Checkpoint{Offset: 300, BatchNum: 3, TotalProcessed: 300, TotalFailed: 7}
	if err := s.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out == nil {
		t.Fatal("nil checkpoint")
	}
	if out.Offset != 300 || out.BatchNum != 3 || out.TotalProcessed != 300 || out.TotalFailed != 7 {
		t.Errorf("round trip: %+v", out)
	}
	if _, err := time.Parse(time.RFC3339, out.Timestamp); err != nil {
		t.Errorf("timestamp not RFC3339: %q", out.Timestamp)
	}
}

func TestSaveCreatesParentDirs(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "deep", "nested", "ckpt.json"), nil)
	if err := s.Save(Checkpoint{Offset: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestLoadMalformedIsNotFatal(t *testing.T) {
	// WHAT: Garbage in the checkpoint file means "start from scratch",
	// not a crash.
	path := filepath.Join(t.TempDir(), "ckpt.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path, nil)
	cp, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp != nil {
		t.Errorf("malformed file should load as nil, got %+v", cp)
	}
}

func TestDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.json")
	s := NewStore(path, nil)
	s.Save(Checkpoint{Offset: 1})
	if err := s.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still present")
	}
	// Idempotent.
	if err := s.Delete(); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
