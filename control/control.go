// Package control exposes the two engines to an external process-control
// surface: start/stop/status per engine plus manifest-derived stats. Each
// engine runs at most once per manager; the manifest's flock prevents the
// two engines from ever writing the same database concurrently.
package control

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arnweb/dfsrag/bootstrap"
	"github.com/arnweb/dfsrag/dbopen"
	"github.com/arnweb/dfsrag/ingest"
	"github.com/arnweb/dfsrag/manifest"
)

// ErrAlreadyRunning is returned when starting an engine that has a live run.
var ErrAlreadyRunning = errors.New("engine already running")

// EngineStatus is the externally visible state of one engine.
type EngineStatus struct {
	Running   bool       `json:"running"`
	JobID     string     `json:"job_id,omitempty"`
	ProcessID int        `json:"process_id,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	Config    any        `json:"config,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type engineState struct {
	running   bool
	jobID     string
	startTime time.Time
	config    any
	cancel    context.CancelFunc
	done      chan struct{}
	lastError string
}

func (e *engineState) status() EngineStatus {
	st := EngineStatus{
		Running:   e.running,
		JobID:     e.jobID,
		Config:    e.config,
		LastError: e.lastError,
	}
	if e.running {
		st.ProcessID = os.Getpid()
		t := e.startTime
		st.StartTime = &t
	}
	return st
}

// Manager owns in-process runs of both engines.
type Manager struct {
	mu        sync.Mutex
	logger    *slog.Logger
	bootstrap engineState
	ingestion engineState
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// StartBootstrap launches a discovery run. Rejects if one is already live.
func (m *Manager) StartBootstrap(cfg bootstrap.Config) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bootstrap.running {
		return "", ErrAlreadyRunning
	}

	runner, err := bootstrap.NewRunner(cfg, m.logger)
	if err != nil {
		return "", err
	}
	return m.launch(&m.bootstrap, cfg, "bootstrap", func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		return err
	}), nil
}

// StartIngestion launches an upload run. Rejects if one is already live.
func (m *Manager) StartIngestion(cfg ingest.Config) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ingestion.running {
		return "", ErrAlreadyRunning
	}

	runner, err := ingest.NewRunner(cfg, m.logger)
	if err != nil {
		return "", err
	}
	return m.launch(&m.ingestion, cfg, "ingestion", func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		return err
	}), nil
}

// launch starts the run goroutine under m.mu.
func (m *Manager) launch(state *engineState, cfg any, name string, run func(context.Context) error) string {
	ctx, cancel := context.WithCancel(context.Background())
	jobID := uuid.NewString()
	*state = engineState{
		running:   true,
		jobID:     jobID,
		startTime: time.Now(),
		config:    cfg,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.logger.Info("engine_started", "engine", name, "job_id", jobID)

	go func() {
		err := run(ctx)
		cancel()

		m.mu.Lock()
		state.running = false
		if err != nil && !errors.Is(err, context.Canceled) {
			state.lastError = err.Error()
		}
		close(state.done)
		m.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("engine_failed", "engine", name, "job_id", jobID, "error", err)
		} else {
			m.logger.Info("engine_finished", "engine", name, "job_id", jobID)
		}
	}()
	return jobID
}

// StopBootstrap cancels a live discovery run. Idempotent; reports whether
// a run was live.
func (m *Manager) StopBootstrap() bool { return m.stop(&m.bootstrap) }

// StopIngestion cancels a live upload run. The processor drains its
// in-flight batch to a terminal status and flushes a checkpoint on the way
// out. Idempotent.
func (m *Manager) StopIngestion() bool { return m.stop(&m.ingestion) }

func (m *Manager) stop(state *engineState) bool {
	m.mu.Lock()
	if !state.running {
		m.mu.Unlock()
		return false
	}
	cancel := state.cancel
	done := state.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		m.logger.Warn("engine_stop_timeout")
	}
	return true
}

// BootstrapStatus returns the discovery engine's state.
func (m *Manager) BootstrapStatus() EngineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bootstrap.status()
}

// IngestionStatus returns the upload engine's state.
func (m *Manager) IngestionStatus() EngineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ingestion.status()
}

// OpenReadOnly opens a reader connection for the stats and listing
// surfaces. WAL mode lets these run concurrently with a live writer. The
// returned func closes the connection.
func OpenReadOnly(dbPath string) (*manifest.Store, func(), error) {
	db, err := dbopen.Open(dbPath, dbopen.WithReadOnly())
	if err != nil {
		return nil, nil, err
	}
	return manifest.NewStore(db), func() { db.Close() }, nil
}

// BootstrapStats reads discovery counters from the manifest.
func BootstrapStats(ctx context.Context, dbPath string) (*manifest.Stats, error) {
	store, closeDB, err := OpenReadOnly(dbPath)
	if err != nil {
		return nil, err
	}
	defer closeDB()
	return store.Stats(ctx)
}

// IngestionStats reads ingestion counters from the manifest.
func IngestionStats(ctx context.Context, dbPath string) (*manifest.IngestionStats, error) {
	store, closeDB, err := OpenReadOnly(dbPath)
	if err != nil {
		return nil, err
	}
	defer closeDB()
	return store.IngestionStats(ctx)
}

// ListFiles serves the read-only listing surface.
func ListFiles(ctx context.Context, dbPath string, filter manifest.FileFilter) ([]manifest.ListedFile, int64, error) {
	store, closeDB, err := OpenReadOnly(dbPath)
	if err != nil {
		return nil, 0, err
	}
	defer closeDB()
	files, err := store.ListFiles(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := store.CountFiles(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}
