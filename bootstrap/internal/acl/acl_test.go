package acl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewFactory(t *testing.T) {
	for kind, name := range map[string]string{
		KindGetfacl: "getfacl+stat",
		KindStat:    "stat",
		KindNoop:    "noop",
	} {
		e, err := New(kind)
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		if e.Name() != name {
			t.Errorf("New(%q).Name(): got %q, want %q", kind, e.Name(), name)
		}
	}
	if _, err := New("bogus"); err == nil {
		t.Error("New(bogus) should fail")
	}
}

func TestNoopNeverCaptures(t *testing.T) {
	e := &NoopExtractor{}
	r := e.Extract(context.Background(), "/anything", time.Second)
	if r.Captured {
		t.Error("noop captured")
	}
	if r.RawACL != nil {
		t.Error("noop produced a blob")
	}
	if r.Method != "noop" || r.Error == "" {
		t.Errorf("result: %+v", r)
	}
}

func TestStatExtractorCapturesJSON(t *testing.T) {
	// WHAT: The stat strategy produces a parseable JSON object with the
	// mode/ownership fields downstream ingestion forwards as metadata.
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := &StatExtractor{}
	r := e.Extract(context.Background(), path, 5*time.Second)
	if !r.Captured {
		t.Fatalf("not captured: %s", r.Error)
	}
	if r.RawACL == nil {
		t.Fatal("nil blob")
	}

	var blob map[string]any
	if err := json.Unmarshal([]byte(*r.RawACL), &blob); err != nil {
		t.Fatalf("blob not JSON: %v", err)
	}
	if _, ok := blob["mode"]; !ok {
		t.Errorf("blob missing mode: %v", blob)
	}
	if size, ok := blob["size"].(float64); !ok || int64(size) != 5 {
		t.Errorf("blob size: %v", blob["size"])
	}
}

func TestStatExtractorMissingFile(t *testing.T) {
	e := &StatExtractor{}
	r := e.Extract(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Second)
	if r.Captured {
		t.Error("captured a missing file")
	}
	if r.Error == "" {
		t.Error("no error message")
	}
}

func TestGetfaclFallsBackToStat(t *testing.T) {
	// The getfacl binary may or may not exist in the test environment;
	// either way the composite strategy must capture via one method.
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	e := &GetfaclExtractor{}
	r := e.Extract(context.Background(), path, 5*time.Second)
	if !r.Captured {
		t.Fatalf("composite strategy failed to capture: %s", r.Error)
	}
	if r.Method != "getfacl" && r.Method != "stat" {
		t.Errorf("method: %q", r.Method)
	}
}
