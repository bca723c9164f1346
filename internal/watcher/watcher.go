// Package watcher turns raw filesystem notifications into debounced
// change batches for the folder orchestrator. It is best effort: missed
// events are reconciled by the periodic sync pass, so the watcher never
// blocks or retries.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

// DefaultDebounceWindow is how long a path must stay quiet before its
// coalesced event is emitted.
const DefaultDebounceWindow = 500 * time.Millisecond

// Op classifies a filesystem change.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpRemove
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one debounced change, with Path relative to the watched root.
type Event struct {
	Path string
	Op   Op
	Time time.Time
}

// Watcher watches one folder tree recursively via fsnotify.
type Watcher struct {
	root      string
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	logger    *slog.Logger
	stop      chan struct{}
	done      chan struct{}
}

// New creates a watcher for the folder rooted at root. A non-positive
// window uses DefaultDebounceWindow.
func New(root string, window time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocolViolation, "resolve watch root", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "create filesystem watcher", err)
	}

	return &Watcher{
		root:      abs,
		fsw:       fsw,
		debouncer: NewDebouncer(window, logger),
		logger:    logger.With(slog.String("folder", abs)),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start registers the directory tree and begins translating events. It
// returns once registration is complete; the event loop runs until Stop
// or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	go w.loop(ctx)
	w.logger.Debug("watcher_started")
	return nil
}

// Batches returns coalesced event batches. The channel closes on Stop.
func (w *Watcher) Batches() <-chan []Event {
	return w.debouncer.Output()
}

// Stop shuts down the watcher and closes the batch channel.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
	}
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer w.debouncer.Stop()
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || ignoredPath(rel) {
		return
	}

	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	var op Op
	switch {
	case ev.Op&fsnotify.Create != 0:
		op = OpCreate
		if isDir {
			// New subtrees need their own watches; files created inside
			// before registration are caught by the periodic sync.
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watcher_add_subtree_failed",
					slog.String("path", rel),
					slog.String("error", err.Error()))
			}
			return
		}
	case ev.Op&fsnotify.Write != 0:
		op = OpModify
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// Renames surface as remove-here; the destination produces its
		// own create event.
		op = OpRemove
	default:
		return
	}
	if isDir {
		return
	}

	w.debouncer.Add(Event{Path: filepath.ToSlash(rel), Op: op, Time: time.Now()})
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return errors.Wrap(errors.KindTransient, "register watch root", err)
			}
			w.logger.Debug("watcher_skip_unreadable", slog.String("path", path))
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if rel, relErr := filepath.Rel(w.root, path); relErr == nil && path != w.root && ignoredPath(rel) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return errors.Wrap(errors.KindTransient, "register directory watch", err)
		}
		return nil
	})
}

// ignoredPath hides the store directory and dotfiles from event flow.
func ignoredPath(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == store.StoreDirName || strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
