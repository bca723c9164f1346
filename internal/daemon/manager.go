// Package daemon hosts the long-running side of folder-mcp: the folder
// manager that keeps every configured root indexed, and the local REST
// facade the MCP bridge talks to.
package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/folder-mcp/folder-mcp/internal/config"
	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/lifecycle"
	"github.com/folder-mcp/folder-mcp/internal/logging"
	"github.com/folder-mcp/folder-mcp/internal/model"
	"github.com/folder-mcp/folder-mcp/internal/resource"
	"github.com/folder-mcp/folder-mcp/internal/search"
	"github.com/folder-mcp/folder-mcp/internal/syncer"
	"github.com/folder-mcp/folder-mcp/internal/watcher"
)

// defaultDimension matches the default all-MiniLM class of models.
const defaultDimension = 384

// Scan priorities for the resource manager. User-triggered scans jump
// ahead of watcher and sync triggers.
const (
	priorityBackground = 0
	priorityUser       = 10
)

// HealthStatus summarizes the daemon for /health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthStarting HealthStatus = "starting"
	HealthDegraded HealthStatus = "degraded"
)

// Manager owns the daemon's folders, the shared embedding backend, the
// global resource gate and the periodic sync service.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	embedder  model.Embedder
	stopModel func(context.Context) error
	resources *resource.Manager
	sync      *syncer.Syncer
	bus       *lifecycle.Bus
	engine    *search.Engine

	mu      sync.RWMutex
	folders map[string]*Folder

	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager for the given configuration. Nothing runs
// until Start.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		folders: make(map[string]*Folder),
	}
}

// Start brings up the embedding backend, opens every configured folder,
// submits their initial scans and launches watchers plus the periodic
// sync loop. A folder that fails to open is logged and skipped; the rest
// of the daemon still comes up.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = time.Now()

	embedder, stopModel, err := model.NewEmbedder(ctx, model.FactoryConfig{
		ModelName:              m.cfg.Model.Name,
		Dimension:              defaultDimension,
		Command:                m.modelCommand(),
		AutoRestart:            m.cfg.Model.AutoRestart == nil || *m.cfg.Model.AutoRestart,
		MaxRestartAttempts:     m.cfg.Model.MaxRestartAttempts,
		RestartDelay:           time.Duration(m.cfg.Model.RestartDelayMs) * time.Millisecond,
		RequestTimeout:         time.Duration(m.cfg.Model.TimeoutMs) * time.Millisecond,
		HealthCheckInterval:    time.Duration(m.cfg.Model.HealthCheckIntervalMs) * time.Millisecond,
		HealthCheckMaxFailures: m.cfg.Model.MaxRetries,
	}, m.logger)
	if err != nil {
		cancel()
		return err
	}
	embedder = model.NewCachedEmbedder(embedder, m.cfg.Model.Name,
		filepath.Join(logging.GlobalDir(), "cache", "queries"))
	m.embedder = embedder
	m.stopModel = stopModel
	m.warmModel(ctx)

	m.engine = search.NewEngine(embedder, m.logger)
	m.bus = lifecycle.NewBus(m.logger)
	m.resources = resource.New(m.cfg.Resources.MaxConcurrentOperations,
		m.cfg.Resources.MaxQueueSize, m.logger)

	for _, fc := range m.cfg.Folders {
		folder, err := openFolder(fc, m.cfg, embedder, m.bus, m.logger)
		if err != nil {
			m.logger.Error("folder_open_failed",
				slog.String("folder", fc.Path),
				slog.String("error", err.Error()))
			continue
		}
		m.folders[folder.ID()] = folder
		m.submitScan(folder, priorityBackground)
		m.startWatcher(runCtx, folder)
	}

	m.sync = syncer.New(syncer.Config{
		Interval:          time.Duration(m.cfg.Sync.IntervalMs) * time.Millisecond,
		DisableVecCleanup: m.cfg.Sync.VecCleanupEnabled != nil && !*m.cfg.Sync.VecCleanupEnabled,
	}, m.syncTargets, m.logger)
	m.sync.Start(runCtx)

	m.logger.Info("daemon_started", slog.Int("folders", len(m.folders)))
	return nil
}

func (m *Manager) modelCommand() []string {
	if m.cfg.Model.Command == "" {
		return nil
	}
	return append([]string{m.cfg.Model.Command}, m.cfg.Model.Args...)
}

// warmModel makes sure the configured model's weights are on disk before
// the first indexing pass hits the host. Best effort.
func (m *Manager) warmModel(ctx context.Context) {
	inner := m.embedder
	if cached, ok := inner.(*model.CachedEmbedder); ok {
		inner = cached.Inner()
	}
	host, ok := inner.(*model.Host)
	if !ok {
		return
	}
	cached, err := host.IsModelCached(ctx)
	if err != nil || cached {
		return
	}
	m.logger.Info("model_download_started", slog.String("model", host.ModelName()))
	if err := host.DownloadModel(ctx); err != nil {
		m.logger.Warn("model_download_failed", slog.String("error", err.Error()))
	}
}

// startWatcher attaches a filesystem watcher to the folder and turns its
// debounced batches into background scan submissions.
func (m *Manager) startWatcher(ctx context.Context, folder *Folder) {
	w, err := watcher.New(folder.Path(), watcher.DefaultDebounceWindow, m.logger)
	if err != nil {
		m.logger.Warn("watcher_start_failed",
			slog.String("folder", folder.Path()),
			slog.String("error", err.Error()))
		return
	}
	if err := w.Start(ctx); err != nil {
		m.logger.Warn("watcher_start_failed",
			slog.String("folder", folder.Path()),
			slog.String("error", err.Error()))
		return
	}
	folder.watcher = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for batch := range w.Batches() {
			m.logger.Debug("watcher_changes_detected",
				slog.String("folder", folder.Path()),
				slog.Int("events", len(batch)))
			m.submitScan(folder, priorityBackground)
		}
	}()
}

// submitScan queues a scan with the global resource manager and drains
// the result in the background.
func (m *Manager) submitScan(folder *Folder, priority int) {
	done, err := m.resources.Submit(uuid.NewString(), folder.Path(),
		folder.StartScanning, resource.Options{Priority: priority})
	if err != nil {
		m.logger.Warn("scan_submit_rejected",
			slog.String("folder", folder.Path()),
			slog.String("error", err.Error()))
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := <-done; err != nil && !errors.IsKind(err, errors.KindCancelled) {
			m.logger.Warn("scan_failed",
				slog.String("folder", folder.Path()),
				slog.String("error", err.Error()))
		}
	}()
}

func (m *Manager) syncTargets() []syncer.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make([]syncer.Target, 0, len(m.folders))
	for _, f := range m.folders {
		targets = append(targets, f)
	}
	return targets
}

// Folders returns a path-ordered snapshot of managed folders.
func (m *Manager) Folders() []*Folder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Folder, 0, len(m.folders))
	for _, f := range m.folders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path() < out[j].Path() })
	return out
}

// FolderByID looks up a folder by its URL identifier.
func (m *Manager) FolderByID(id string) (*Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.folders[id]; ok {
		return f, nil
	}
	return nil, errors.Newf(errors.KindNotFound, "unknown folder id %q", id)
}

// TriggerScan queues a user-requested scan for the folder.
func (m *Manager) TriggerScan(id string) error {
	folder, err := m.FolderByID(id)
	if err != nil {
		return err
	}
	m.submitScan(folder, priorityUser)
	return nil
}

// Engine returns the shared search engine.
func (m *Manager) Engine() *search.Engine { return m.engine }

// Uptime reports how long the manager has been running.
func (m *Manager) Uptime() time.Duration { return time.Since(m.started) }

// Health classifies the daemon: starting while any folder is mid-pipeline,
// degraded when any folder is stuck in error, healthy otherwise.
func (m *Manager) Health() HealthStatus {
	status := HealthHealthy
	for _, f := range m.Folders() {
		switch f.State() {
		case lifecycle.StateScanning, lifecycle.StateIndexing:
			return HealthStarting
		case lifecycle.StateError:
			status = HealthDegraded
		}
	}
	return status
}

// Capabilities aggregates store totals for /server-info.
func (m *Manager) Capabilities(ctx context.Context) (folders, documents, chunks int) {
	for _, f := range m.Folders() {
		folders++
		if stats, err := f.Store().GetStats(ctx); err == nil {
			documents += stats.Documents
			chunks += stats.Chunks
		}
	}
	return folders, documents, chunks
}

// Shutdown stops admission, cancels queued work, waits for in-flight
// operations within ctx and releases every store.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.sync != nil {
		m.sync.Stop()
	}
	if m.cancel != nil {
		m.cancel()
	}

	var firstErr error
	if m.resources != nil {
		if err := m.resources.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	m.wg.Wait()

	m.mu.Lock()
	for id, f := range m.folders {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.folders, id)
	}
	m.mu.Unlock()

	if m.stopModel != nil {
		if err := m.stopModel(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.logger.Info("daemon_stopped")
	return firstErr
}
