package ingest

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arnweb/dfsrag/dbopen"
	"github.com/arnweb/dfsrag/ingest/internal/checkpoint"
	"github.com/arnweb/dfsrag/ingest/internal/client"
	"github.com/arnweb/dfsrag/manifest"
	_ "modernc.org/sqlite"
)

// fakeUploader scripts upload/poll outcomes per call.
type fakeUploader struct {
	uploads   [][]string
	payloads  []client.UploadPayload
	uploadErr []error // per-call; nil entry = success
	taskState string  // "" = no task id, "FINISHED"/"FAILED"/"UNKNOWN"
	polled    []string
}

func (f *fakeUploader) UploadDocuments(ctx context.Context, files []string, payload client.UploadPayload) (*client.UploadResponse, error) {
	call := len(f.uploads)
	f.uploads = append(f.uploads, files)
	f.payloads = append(f.payloads, payload)
	if call < len(f.uploadErr) && f.uploadErr[call] != nil {
		return nil, f.uploadErr[call]
	}
	if f.taskState == "" {
		return &client.UploadResponse{}, nil
	}
	return &client.UploadResponse{TaskID: "T1"}, nil
}

func (f *fakeUploader) PollTask(ctx context.Context, taskID string) (map[string]any, error) {
	f.polled = append(f.polled, taskID)
	switch f.taskState {
	case "FINISHED":
		return map[string]any{"state": "FINISHED"}, nil
	default:
		return nil, &client.TaskError{TaskID: taskID, State: f.taskState, Detail: "server lost it"}
	}
}

type fixture struct {
	repo  *Repository
	db    *sql.DB
	ckpt  *checkpoint.Store
	dir   string
	store *manifest.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	store := manifest.NewStore(db)
	if err := store.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	dir := t.TempDir()
	return &fixture{
		repo:  NewRepository(db),
		db:    db,
		ckpt:  checkpoint.NewStore(filepath.Join(dir, "ckpt.json"), nil),
		dir:   dir,
		store: store,
	}
}

// seedFile creates a real file on disk and a discovered manifest row for it.
func (f *fixture) seedFile(t *testing.T, name, rawACL string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("content of "+name), 0o644); err != nil {
		t.Fatal(err)
	}
	size := int64(len("content of " + name))
	mtime := int64(1700000000)
	rec := manifest.Record{
		FilePath:  path,
		FileName:  name,
		ParentDir: f.dir,
		Size:      &size,
		Mtime:     &mtime,
		Status:    manifest.StatusDiscovered,
	}
	if rawACL != "" {
		rec.RawACL = &rawACL
		rec.ACLCaptured = true
	}
	if _, _, err := f.store.BulkUpsert(context.Background(), []manifest.Record{rec}); err != nil {
		t.Fatal(err)
	}
	return path
}

func testCfg() Config {
	cfg := Default()
	cfg.BatchSize = 10
	cfg.RetryDelay = 100 * time.Millisecond
	cfg.CheckpointInterval = 1
	return cfg
}

func (f *fixture) ingestionStatus(t *testing.T, path string) (status string, errMsg *string, ingestedAt *string) {
	t.Helper()
	err := f.db.QueryRow(`SELECT ingestion_status, ingestion_error, ingested_at FROM manifest WHERE file_path = ?`, path).
		Scan(&status, &errMsg, &ingestedAt)
	if err != nil {
		t.Fatalf("status query: %v", err)
	}
	return
}

func TestRunHappyPath(t *testing.T) {
	// WHAT: Two discovered rows, async task finishes → both completed
	// with ingested_at set and the ACL blobs forwarded as metadata.
	f := newFixture(t)
	a := f.seedFile(t, "a.txt", `{"uid":1000,"mode":"0o644"}`)
	b := f.seedFile(t, "b.txt", "u::rwx\ng::r-x") // getfacl text, not JSON

	up := &fakeUploader{taskState: "FINISHED"}
	p := NewProcessor(f.repo, up, f.ckpt, testCfg(), nil)

	stats, err := p.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalProcessed != 2 || stats.TotalCompleted != 2 || stats.TotalFailed != 0 {
		t.Errorf("stats: %+v", stats)
	}
	if len(up.uploads) != 1 || len(up.uploads[0]) != 2 {
		t.Fatalf("uploads: %v", up.uploads)
	}
	if len(up.polled) != 1 {
		t.Errorf("polls: %v", up.polled)
	}

	for _, path := range []string{a, b} {
		status, _, ingestedAt := f.ingestionStatus(t, path)
		if status != manifest.IngestCompleted {
			t.Errorf("%s status: %q", path, status)
		}
		if ingestedAt == nil {
			t.Errorf("%s ingested_at not set", path)
		}
	}

	// Metadata: JSON-object blob forwarded as-is, text blob wrapped.
	meta := up.payloads[0].CustomMetadata
	if len(meta) != 2 {
		t.Fatalf("metadata: %v", meta)
	}
	if meta[0]["uid"] != float64(1000) {
		t.Errorf("json blob not forwarded: %v", meta[0])
	}
	if meta[1]["acl"] != "u::rwx\ng::r-x" {
		t.Errorf("text blob not wrapped: %v", meta[1])
	}
}

func TestRunSkipsExistingDocs(t *testing.T) {
	// WHAT: Rows whose base name the server already holds are completed
	// locally without any upload.
	f := newFixture(t)
	f.seedFile(t, "a.txt", "")
	f.seedFile(t, "b.txt", "")

	up := &fakeUploader{taskState: "FINISHED"}
	p := NewProcessor(f.repo, up, f.ckpt, testCfg(), nil)
	p.SetExistingDocs(map[string]struct{}{"a.txt": {}, "b.txt": {}})

	stats, err := p.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalSkipped != 2 || stats.TotalCompleted != 2 {
		t.Errorf("stats: %+v", stats)
	}
	if len(up.uploads) != 0 {
		t.Errorf("unexpected uploads: %v", up.uploads)
	}
}

func TestRunMissingFileMarkedFailed(t *testing.T) {
	f := newFixture(t)
	present := f.seedFile(t, "a.txt", "")
	ghost := f.seedFile(t, "b.txt", "")
	os.Remove(ghost)

	up := &fakeUploader{taskState: "FINISHED"}
	p := NewProcessor(f.repo, up, f.ckpt, testCfg(), nil)

	stats, err := p.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalFailed != 1 || stats.TotalCompleted != 1 {
		t.Errorf("stats: %+v", stats)
	}

	status, errMsg, _ := f.ingestionStatus(t, ghost)
	if status != manifest.IngestFailed {
		t.Errorf("ghost status: %q", status)
	}
	if errMsg == nil || *errMsg != "File not found on disk" {
		t.Errorf("ghost error: %v", errMsg)
	}
	if len(up.uploads) != 1 || up.uploads[0][0] != present {
		t.Errorf("uploads: %v", up.uploads)
	}
}

func TestRunTaskFailureMarksBatchFailed(t *testing.T) {
	// WHAT: FAILED task state → every surviving row failed with the task
	// error recorded.
	f := newFixture(t)
	a := f.seedFile(t, "a.txt", "")
	b := f.seedFile(t, "b.txt", "")

	up := &fakeUploader{taskState: "FAILED"}
	cfg := testCfg()
	cfg.ContinueOnError = true
	p := NewProcessor(f.repo, up, f.ckpt, cfg, nil)

	stats, err := p.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalFailed != 2 {
		t.Errorf("stats: %+v", stats)
	}
	for _, path := range []string{a, b} {
		status, errMsg, ingestedAt := f.ingestionStatus(t, path)
		if status != manifest.IngestFailed {
			t.Errorf("%s status: %q", path, status)
		}
		if errMsg == nil {
			t.Errorf("%s error empty", path)
		}
		if ingestedAt != nil {
			t.Errorf("%s ingested_at set on failure", path)
		}
	}
}

func TestRunStopsWhenContinueOnErrorDisabled(t *testing.T) {
	f := newFixture(t)
	f.seedFile(t, "a.txt", "")

	up := &fakeUploader{taskState: "FAILED"}
	cfg := testCfg()
	cfg.ContinueOnError = false
	p := NewProcessor(f.repo, up, f.ckpt, cfg, nil)

	if _, err := p.Run(context.Background(), 0, 0); err == nil {
		t.Fatal("expected run to stop with an error")
	}
}

func TestRunTransientUploadErrorRetried(t *testing.T) {
	f := newFixture(t)
	f.seedFile(t, "a.txt", "")

	up := &fakeUploader{
		taskState: "FINISHED",
		uploadErr: []error{errors.New("connection refused"), nil},
	}
	p := NewProcessor(f.repo, up, f.ckpt, testCfg(), nil)

	stats, err := p.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalCompleted != 1 {
		t.Errorf("stats: %+v", stats)
	}
	if len(up.uploads) != 2 {
		t.Errorf("upload attempts: %d", len(up.uploads))
	}
}

func TestRunRetriesExhaustedFailsBatch(t *testing.T) {
	f := newFixture(t)
	a := f.seedFile(t, "a.txt", "")

	boom := errors.New("boom")
	up := &fakeUploader{uploadErr: []error{boom, boom, boom}}
	cfg := testCfg()
	cfg.MaxRetries = 3
	p := NewProcessor(f.repo, up, f.ckpt, cfg, nil)

	stats, err := p.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalFailed != 1 {
		t.Errorf("stats: %+v", stats)
	}
	if len(up.uploads) != 3 {
		t.Errorf("attempts: %d", len(up.uploads))
	}
	status, _, _ := f.ingestionStatus(t, a)
	if status != manifest.IngestFailed {
		t.Errorf("status: %q", status)
	}
}

func TestRunWritesFinalCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.seedFile(t, "a.txt", "")

	up := &fakeUploader{taskState: "FINISHED"}
	p := NewProcessor(f.repo, up, f.ckpt, testCfg(), nil)
	if _, err := p.Run(context.Background(), 0, 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	cp, err := f.ckpt.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp == nil {
		t.Fatal("no final checkpoint")
	}
	if cp.Offset != 1 || cp.TotalProcessed != 1 {
		t.Errorf("checkpoint: %+v", cp)
	}
}

func TestRunResumeFromOffset(t *testing.T) {
	// WHAT: Starting at a stored offset processes only the tail of the
	// pending set — the crash-restart scenario.
	f := newFixture(t)
	for _, n := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		f.seedFile(t, n, "")
	}

	up := &fakeUploader{taskState: "FINISHED"}
	cfg := testCfg()
	cfg.BatchSize = 2
	p := NewProcessor(f.repo, up, f.ckpt, cfg, nil)

	// Resume as if two rows (one batch) were already done.
	stats, err := p.Run(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalProcessed != 2 {
		t.Errorf("processed: %d", stats.TotalProcessed)
	}
	if len(up.uploads) != 1 {
		t.Fatalf("uploads: %v", up.uploads)
	}
	if filepath.Base(up.uploads[0][0]) != "c.txt" {
		t.Errorf("resume start: %q", up.uploads[0][0])
	}

	cp, _ := f.ckpt.Load()
	if cp.Offset != 4 || cp.BatchNum != 2 {
		t.Errorf("checkpoint after resume: %+v", cp)
	}
}

func TestRunResetsStaleIngesting(t *testing.T) {
	f := newFixture(t)
	a := f.seedFile(t, "a.txt", "")
	// Simulate a kill -9 mid-batch.
	f.store.UpdateIngestion(context.Background(), a, manifest.IngestIngesting, nil)

	up := &fakeUploader{taskState: "FINISHED"}
	p := NewProcessor(f.repo, up, f.ckpt, testCfg(), nil)
	stats, err := p.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalCompleted != 1 {
		t.Errorf("stale row not retried: %+v", stats)
	}
}

func TestRunEmptyManifestSucceeds(t *testing.T) {
	f := newFixture(t)
	up := &fakeUploader{}
	p := NewProcessor(f.repo, up, f.ckpt, testCfg(), nil)
	stats, err := p.Run(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.TotalProcessed != 0 || stats.BatchCount != 0 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestACLMetadataShapes(t *testing.T) {
	obj := `{"uid":0,"gid":0}`
	text := "user::rwx"
	jsonArray := `[1,2]`

	if m := aclMetadata(nil); len(m) != 0 {
		t.Errorf("nil: %v", m)
	}
	if m := aclMetadata(&obj); m["uid"] != float64(0) {
		t.Errorf("object: %v", m)
	}
	if m := aclMetadata(&text); m["acl"] != text {
		t.Errorf("text: %v", m)
	}
	if m := aclMetadata(&jsonArray); m["acl"] != jsonArray {
		t.Errorf("array: %v", m)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	bad := Default()
	bad.BatchSize = 5000
	if err := bad.Validate(); err == nil {
		t.Error("oversized batch should fail")
	}

	bad = Default()
	bad.CollectionName = ""
	if err := bad.Validate(); err == nil {
		t.Error("empty collection should fail")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("INGESTION_COLLECTION_NAME", "corp-docs")
	t.Setenv("INGESTION_BATCH_SIZE", "250")
	t.Setenv("INGESTION_CONTINUE_ON_ERROR", "false")

	cfg := Default()
	cfg.FromEnv()
	if cfg.CollectionName != "corp-docs" || cfg.BatchSize != 250 || cfg.ContinueOnError {
		t.Errorf("env overlay: %+v", cfg)
	}
}
