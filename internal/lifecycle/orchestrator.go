package lifecycle

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/folder-mcp/folder-mcp/internal/detector"
	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/extract"
	"github.com/folder-mcp/folder-mcp/internal/queue"
	"github.com/folder-mcp/folder-mcp/internal/scanner"
	"github.com/folder-mcp/folder-mcp/internal/semantic"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

// Embedder turns text into vectors. Implemented by the model host and by
// the static fallback embedder.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// DefaultConsecutiveErrorLimit aborts indexing after this many file
// failures in a row.
const DefaultConsecutiveErrorLimit = 5

// maxDocumentKeywords bounds pooled document-level keywords.
const maxDocumentKeywords = 16

// dispatchIdleWait is how long a worker sleeps when every pending task is
// waiting out its retry delay.
const dispatchIdleWait = 50 * time.Millisecond

// Config tunes one folder's orchestrator.
type Config struct {
	FolderPath            string
	MaxConcurrentTasks    int
	BatchSize             int
	ConsecutiveErrorLimit int
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store    *store.Store
	Scanner  *scanner.Scanner
	Detector *detector.Detector
	Queue    *queue.Queue
	Registry *extract.Registry
	Enricher semantic.Enricher
	Embedder Embedder
	Bus      *Bus
	Logger   *slog.Logger
}

// Orchestrator drives one folder through scan, change detection and
// embedding until the folder is active or errored.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	machine *Machine
	logger  *slog.Logger

	mu                sync.Mutex
	scanning          bool
	consecutiveErrors int
	lastError         string
}

// NewOrchestrator wires an orchestrator. The machine starts scanning.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.ConsecutiveErrorLimit <= 0 {
		cfg.ConsecutiveErrorLimit = DefaultConsecutiveErrorLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("folder", cfg.FolderPath))
	return &Orchestrator{cfg: cfg, deps: deps, machine: NewMachine(), logger: logger}
}

// State returns the folder's lifecycle state.
func (o *Orchestrator) State() State {
	return o.machine.Current()
}

// LastError returns the message that put the folder in error state.
func (o *Orchestrator) LastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastError
}

// GetProgress snapshots indexing completion from the queue.
func (o *Orchestrator) GetProgress() Progress {
	stats := o.deps.Queue.GetStats()
	p := Progress{
		CompletedTasks: stats.Success,
		FailedTasks:    stats.Error,
		TotalTasks:     stats.Total,
	}
	if stats.Total > 0 {
		p.Percentage = math.Round(float64(stats.Success+stats.Error)/float64(stats.Total)*1000) / 10
	}
	return p
}

// Reset clears queued work and the error counter so the folder can be
// scanned from a clean slate.
func (o *Orchestrator) Reset() {
	o.deps.Queue.Reset()
	o.mu.Lock()
	o.consecutiveErrors = 0
	o.lastError = ""
	o.mu.Unlock()
}

// StartScanning runs the full pipeline: scan, diff, queue, embed. It is
// idempotent while a run is in flight; concurrent calls return nil
// immediately and the in-flight run continues.
func (o *Orchestrator) StartScanning(ctx context.Context) error {
	o.mu.Lock()
	if o.scanning {
		o.mu.Unlock()
		o.logger.Debug("scan_already_running")
		return nil
	}
	o.scanning = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.scanning = false
		o.mu.Unlock()
	}()

	if err := o.transition(StateScanning); err != nil {
		return err
	}
	o.publish(Event{Type: EventScanStarted, FolderPath: o.cfg.FolderPath})

	changes, err := o.detectChanges(ctx)
	if err != nil {
		o.fail(err)
		return err
	}
	if len(changes) == 0 {
		o.logger.Debug("scan_no_changes")
		return o.transition(StateActive)
	}

	o.deps.Queue.AddTasks(changes)
	if err := o.transition(StateIndexing); err != nil {
		return err
	}
	o.logger.Info("indexing_started", slog.Int("tasks", len(changes)))

	if err := o.processTasks(ctx); err != nil {
		o.fail(err)
		return err
	}
	o.logger.Info("indexing_finished",
		slog.Int("completed", o.deps.Queue.GetStats().Success),
		slog.Int("failed", o.deps.Queue.GetStats().Error))
	return o.transition(StateActive)
}

func (o *Orchestrator) detectChanges(ctx context.Context) ([]detector.FileChange, error) {
	files, err := o.deps.Scanner.Scan(ctx, o.cfg.FolderPath)
	if err != nil {
		return nil, err
	}
	stored, err := o.deps.Store.GetDocumentFingerprints(ctx)
	if err != nil {
		return nil, err
	}
	return o.deps.Detector.Detect(ctx, o.cfg.FolderPath, files, stored)
}

// processTasks drains the queue with a bounded worker pool. It stops
// early when the consecutive error limit is hit or ctx is cancelled.
func (o *Orchestrator) processTasks(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	for range o.cfg.MaxConcurrentTasks {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				task := o.deps.Queue.GetNextTask()
				if task == nil {
					if o.deps.Queue.IsDrained() {
						return nil
					}
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-time.After(dispatchIdleWait):
					}
					continue
				}
				if err := o.runTask(gctx, task); err != nil {
					stop()
					return err
				}
			}
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return errors.Wrap(errors.KindCancelled, "indexing interrupted", ctx.Err())
	}
	return err
}

// runTask executes one task and records the outcome. The returned error
// is non-nil only when indexing must abort entirely.
func (o *Orchestrator) runTask(ctx context.Context, task *queue.Task) error {
	err := o.processTask(ctx, task)
	if err == nil {
		_ = o.deps.Queue.UpdateTaskStatus(task.ID, queue.StatusSuccess, "")
		o.mu.Lock()
		o.consecutiveErrors = 0
		o.mu.Unlock()
	} else {
		o.logger.Warn("task_failed",
			slog.String("path", task.File.Path),
			slog.String("task_type", string(task.Type)),
			slog.String("error", err.Error()))
		if errors.IsRetryable(err) {
			_ = o.deps.Queue.UpdateTaskStatus(task.ID, queue.StatusError, err.Error())
		} else {
			_ = o.deps.Queue.FailPermanently(task.ID, err.Error())
		}
		_ = o.deps.Store.SetFileState(ctx, task.File.Path, string(queue.StatusError))

		o.mu.Lock()
		o.consecutiveErrors++
		o.lastError = err.Error()
		tooMany := o.consecutiveErrors >= o.cfg.ConsecutiveErrorLimit
		o.mu.Unlock()
		if tooMany {
			return errors.Newf(errors.KindPermanentTaskFailure,
				"aborting after %d consecutive task failures, last: %s",
				o.cfg.ConsecutiveErrorLimit, err.Error())
		}
	}

	o.publish(Event{
		Type:       EventTaskCompleted,
		FolderPath: o.cfg.FolderPath,
		FilePath:   task.File.Path,
		Err:        err,
	})
	progress := o.GetProgress()
	o.publish(Event{Type: EventProgress, FolderPath: o.cfg.FolderPath, Progress: &progress})
	return nil
}

// processTask does the actual file work.
func (o *Orchestrator) processTask(ctx context.Context, task *queue.Task) error {
	if task.Type == queue.TaskRemoveEmbeddings {
		if err := o.deps.Store.DeleteDocument(ctx, task.File.Path); err != nil {
			return err
		}
		return o.deps.Store.DeleteFileState(ctx, task.File.Path)
	}
	return o.indexFile(ctx, task.File)
}

// indexFile extracts, chunks, enriches, embeds and persists one file.
// Every chunk is enriched before anything is written; the store enforces
// the same rule again.
func (o *Orchestrator) indexFile(ctx context.Context, file detector.FileChange) error {
	if err := o.deps.Store.SetFileState(ctx, file.Path, string(queue.StatusPending)); err != nil {
		return err
	}

	extractor, chunker, err := o.deps.Registry.For(file.Path)
	if err != nil {
		return err
	}
	absPath := filepath.Join(o.cfg.FolderPath, filepath.FromSlash(file.Path))
	content, err := extractor.Extract(ctx, absPath)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "extract "+file.Path, err)
	}

	raw := chunker.Chunk(content.Text)
	chunks := make([]store.NewChunk, len(raw))
	phraseLists := make([][]semantic.KeyPhrase, len(raw))
	for i, c := range raw {
		enrichment, err := o.deps.Enricher.Enrich(ctx, c.Content)
		if err != nil {
			return err
		}
		chunks[i] = store.NewChunk{
			Content:     c.Content,
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
			TokenCount:  c.TokenCount,
			KeyPhrases:  enrichment.KeyPhrases,
			Readability: enrichment.Readability,
		}
		phraseLists[i] = enrichment.KeyPhrases
	}

	docID, err := o.deps.Store.UpsertDocument(ctx, &store.Document{
		FilePath:     file.Path,
		Fingerprint:  file.Hash,
		FileSize:     file.Size,
		MimeType:     content.MimeType,
		LastModified: file.LastModified,
	})
	if err != nil {
		return err
	}
	chunkIDs, err := o.deps.Store.ReplaceChunks(ctx, docID, chunks)
	if err != nil {
		return err
	}

	if len(chunks) > 0 {
		vectors, err := o.embedChunks(ctx, chunks)
		if err != nil {
			return err
		}
		for i, id := range chunkIDs {
			if err := o.deps.Store.InsertChunkEmbedding(ctx, id, vectors[i]); err != nil {
				return err
			}
		}
		if err := o.deps.Store.InsertDocumentEmbedding(ctx, docID, meanVectors(vectors)); err != nil {
			return err
		}
		keywords := semantic.PoolKeywords(phraseLists, maxDocumentKeywords)
		if err := o.deps.Store.SetDocumentKeywords(ctx, docID, keywords); err != nil {
			return err
		}
	}

	// Clear the reindex flag last: until every write above has committed,
	// the document's stored fingerprint must not count as indexed.
	if err := o.deps.Store.MarkDocumentIndexed(ctx, docID); err != nil {
		return err
	}
	return o.deps.Store.SetFileState(ctx, file.Path, string(queue.StatusSuccess))
}

// embedChunks embeds chunk contents in batches of cfg.BatchSize.
func (o *Orchestrator) embedChunks(ctx context.Context, chunks []store.NewChunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += o.cfg.BatchSize {
		end := min(start+o.cfg.BatchSize, len(texts))
		batch, err := o.deps.Embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, errors.Newf(errors.KindProtocolViolation,
				"embedder returned %d vectors for %d texts", len(batch), end-start)
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// meanVectors pools chunk vectors into one document vector.
func meanVectors(vectors [][]float32) []float32 {
	mean := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i, f := range v {
			mean[i] += f
		}
	}
	inv := 1 / float32(len(vectors))
	for i := range mean {
		mean[i] *= inv
	}
	return mean
}

func (o *Orchestrator) transition(to State) error {
	from := o.machine.Current()
	// The machine is born scanning, so the first run's move to scanning
	// is a no-op rather than a transition.
	if from == to {
		return nil
	}
	if err := o.machine.To(to); err != nil {
		return err
	}
	o.logger.Debug("folder_state_changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	o.publish(Event{Type: EventStateChanged, FolderPath: o.cfg.FolderPath, From: from, To: to})
	return nil
}

// fail moves the folder to error state, recording the cause.
func (o *Orchestrator) fail(cause error) {
	o.mu.Lock()
	o.lastError = cause.Error()
	o.mu.Unlock()
	o.logger.Error("folder_errored", slog.String("error", cause.Error()))
	if err := o.machine.To(StateError); err == nil {
		o.publish(Event{Type: EventFolderError, FolderPath: o.cfg.FolderPath, Err: cause})
	}
}

func (o *Orchestrator) publish(event Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(event)
	}
}
