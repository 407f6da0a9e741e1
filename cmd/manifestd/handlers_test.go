package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/arnweb/dfsrag/control"
	"github.com/arnweb/dfsrag/dbopen"
	"github.com/arnweb/dfsrag/manifest"
	_ "modernc.org/sqlite"
)

func seedManifest(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "manifest.db")
	db, err := dbopen.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := manifest.NewStore(db)
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}

	acl := `{"mode":"0o644"}`
	for _, name := range []string{"report.pdf", "notes.txt"} {
		size := int64(10)
		store.BulkUpsert(context.Background(), []manifest.Record{{
			FilePath: "/share/" + name, FileName: name, ParentDir: "/share",
			Size: &size, RawACL: &acl, ACLCaptured: true,
			Status: manifest.StatusDiscovered,
		}})
	}
	return dbPath
}

func testRouter(t *testing.T, dbPath string) http.Handler {
	t.Helper()
	cfg := defaultServerConfig()
	cfg.DBPath = dbPath
	api := &apiServer{
		manager: control.NewManager(nil),
		config:  cfg,
	}
	r := chi.NewRouter()
	r.Get("/api/files", api.listFiles)
	r.Get("/api/files/{id}", api.getFile)
	r.Get("/api/bootstrap/stats", api.bootstrapStats)
	r.Get("/api/bootstrap/status", api.bootstrapStatus)
	r.Post("/api/bootstrap/stop", api.stopBootstrap)
	r.Get("/api/ingestion/stats", api.ingestionStats)
	return r
}

func TestListFilesEndpoint(t *testing.T) {
	router := testRouter(t, seedManifest(t))

	req := httptest.NewRequest(http.MethodGet, "/api/files?search=report", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d (%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Files      []manifest.ListedFile `json:"files"`
		Pagination struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Files) != 1 || resp.Files[0].FileName != "report.pdf" {
		t.Errorf("files: %+v", resp.Files)
	}
	if resp.Pagination.Total != 1 {
		t.Errorf("total: %d", resp.Pagination.Total)
	}
}

func TestGetFileEndpoint(t *testing.T) {
	router := testRouter(t, seedManifest(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var file manifest.ListedFile
	if err := json.Unmarshal(rec.Body.Bytes(), &file); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if file.ID != 1 {
		t.Errorf("id: %d", file.ID)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/999", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing file status: %d", rec.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	router := testRouter(t, seedManifest(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bootstrap/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("bootstrap stats: %d", rec.Code)
	}
	var stats manifest.Stats
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Total != 2 || stats.Discovered != 2 {
		t.Errorf("stats: %+v", stats)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ingestion/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ingestion stats: %d", rec.Code)
	}
	var istats manifest.IngestionStats
	json.Unmarshal(rec.Body.Bytes(), &istats)
	if istats.Total != 2 || istats.Pending != 2 {
		t.Errorf("ingestion stats: %+v", istats)
	}
}

func TestStatusAndStopEndpoints(t *testing.T) {
	router := testRouter(t, seedManifest(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bootstrap/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var st control.EngineStatus
	json.Unmarshal(rec.Body.Bytes(), &st)
	if st.Running {
		t.Error("engine should be idle")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bootstrap/stop", nil))
	var stopped map[string]bool
	json.Unmarshal(rec.Body.Bytes(), &stopped)
	if stopped["stopped"] {
		t.Error("stop with nothing running should report false")
	}
}

func TestLoadServerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
listen: ":9000"
db_path: "/data/manifest.db"
bootstrap:
  workers: 4
  acl_extractor: stat
ingestion:
  collection_name: corp
  ingestor_port: 9082
`)

	cfg, err := loadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.DBPath != "/data/manifest.db" {
		t.Errorf("server: %+v", cfg)
	}

	b := cfg.bootstrapDefaults()
	if b.Workers != 4 || b.ACLExtractor != "stat" || b.DBPath != "/data/manifest.db" {
		t.Errorf("bootstrap defaults: %+v", b)
	}
	i := cfg.ingestionDefaults()
	if i.CollectionName != "corp" || i.IngestorPort != 9082 {
		t.Errorf("ingestion defaults: %+v", i)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
