package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arnweb/dfsrag/control"
	"github.com/arnweb/dfsrag/manifest"
)

type apiServer struct {
	manager *control.Manager
	config  serverConfig
	logger  *slog.Logger
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// startBootstrapRequest overlays the config-file defaults; only the root
// is required.
type startBootstrapRequest struct {
	Root           string `json:"root"`
	DBPath         string `json:"db_path"`
	Workers        int    `json:"workers"`
	BatchSize      int    `json:"batch_size"`
	TimeoutMinutes int    `json:"timeout"`
	ACLExtractor   string `json:"acl_extractor"`
}

func (s *apiServer) startBootstrap(w http.ResponseWriter, r *http.Request) {
	var req startBootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	cfg := s.config.bootstrapDefaults()
	cfg.Root = req.Root
	if req.DBPath != "" {
		cfg.DBPath = req.DBPath
	}
	if req.Workers > 0 {
		cfg.Workers = req.Workers
	}
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.TimeoutMinutes > 0 {
		cfg.FileTimeout = time.Duration(req.TimeoutMinutes) * time.Minute
	}
	if req.ACLExtractor != "" {
		cfg.ACLExtractor = req.ACLExtractor
	}

	jobID, err := s.manager.StartBootstrap(cfg)
	if err != nil {
		if errors.Is(err, control.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *apiServer) stopBootstrap(w http.ResponseWriter, r *http.Request) {
	stopped := s.manager.StopBootstrap()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *apiServer) bootstrapStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.BootstrapStatus())
}

func (s *apiServer) bootstrapStats(w http.ResponseWriter, r *http.Request) {
	stats, err := control.BootstrapStats(r.Context(), s.dbPath(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type startIngestionRequest struct {
	DBPath             string `json:"db_path"`
	CollectionName     string `json:"collection_name"`
	IngestorHost       string `json:"ingestor_host"`
	IngestorPort       int    `json:"ingestor_port"`
	BatchSize          int    `json:"batch_size"`
	CheckpointInterval int    `json:"checkpoint_interval"`
	CreateCollection   *bool  `json:"create_collection"`
	Resume             bool   `json:"resume"`
}

func (s *apiServer) startIngestion(w http.ResponseWriter, r *http.Request) {
	var req startIngestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	cfg := s.config.ingestionDefaults()
	if req.DBPath != "" {
		cfg.DBPath = req.DBPath
	}
	if req.CollectionName != "" {
		cfg.CollectionName = req.CollectionName
	}
	if req.IngestorHost != "" {
		cfg.IngestorHost = req.IngestorHost
	}
	if req.IngestorPort > 0 {
		cfg.IngestorPort = req.IngestorPort
	}
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.CheckpointInterval > 0 {
		cfg.CheckpointInterval = req.CheckpointInterval
	}
	if req.CreateCollection != nil {
		cfg.CreateCollection = *req.CreateCollection
	}
	cfg.Resume = req.Resume

	jobID, err := s.manager.StartIngestion(cfg)
	if err != nil {
		if errors.Is(err, control.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *apiServer) stopIngestion(w http.ResponseWriter, r *http.Request) {
	stopped := s.manager.StopIngestion()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *apiServer) ingestionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.IngestionStatus())
}

func (s *apiServer) ingestionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := control.IngestionStats(r.Context(), s.dbPath(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *apiServer) listFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 50)
	if limit < 1 || limit > 100 {
		limit = 50
	}
	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	filter := manifest.FileFilter{
		Search:          q.Get("search"),
		Status:          q.Get("status"),
		IngestionStatus: q.Get("ingestion_status"),
		Limit:           limit,
		Offset:          (page - 1) * limit,
	}

	files, total, err := control.ListFiles(r.Context(), s.dbPath(r), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if files == nil {
		files = []manifest.ListedFile{}
	}
	pages := int64(0)
	if total > 0 {
		pages = (total + int64(limit) - 1) / int64(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"pagination": map[string]any{
			"page":  page,
			"limit": limit,
			"total": total,
			"pages": pages,
		},
	})
}

func (s *apiServer) getFile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}

	store, closeDB, err := s.openStore(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer closeDB()

	file, err := store.GetFile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if file == nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// dbPath lets read-only queries target an alternate manifest, mirroring
// the per-request db_path the original surface accepted.
func (s *apiServer) dbPath(r *http.Request) string {
	if p := r.URL.Query().Get("db_path"); p != "" {
		return p
	}
	return s.config.DBPath
}

func (s *apiServer) openStore(r *http.Request) (*manifest.Store, func(), error) {
	return control.OpenReadOnly(s.dbPath(r))
}

func queryInt(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
