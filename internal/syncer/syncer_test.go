package syncer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/lifecycle"
	"github.com/folder-mcp/folder-mcp/internal/scanner"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

type fakeTarget struct {
	mu      sync.Mutex
	path    string
	state   lifecycle.State
	st      *store.Store
	files   []scanner.FileInfo
	listErr error
	scanErr error
	scans   int
}

func (f *fakeTarget) Path() string { return f.path }

func (f *fakeTarget) State() lifecycle.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTarget) StartScanning(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return f.scanErr
}

func (f *fakeTarget) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func (f *fakeTarget) Store() *store.Store { return f.st }

func (f *fakeTarget) ListFiles(ctx context.Context) ([]scanner.FileInfo, error) {
	return f.files, f.listErr
}

func newTarget(t *testing.T, state lifecycle.State) *fakeTarget {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir, store.Options{ModelName: "test", Dimension: 4}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return &fakeTarget{path: dir, state: state, st: st}
}

func singleTarget(f *fakeTarget) func() []Target {
	return func() []Target { return []Target{f} }
}

func TestSyncRetriesErroredFolder(t *testing.T) {
	target := newTarget(t, lifecycle.StateError)
	s := New(Config{Interval: time.Hour}, singleTarget(target), slog.Default())

	s.SyncNow(context.Background())
	assert.Equal(t, 1, target.scanCount())
}

func TestSyncSkipsBusyFolders(t *testing.T) {
	for _, state := range []lifecycle.State{lifecycle.StateScanning, lifecycle.StateIndexing} {
		target := newTarget(t, state)
		New(Config{Interval: time.Hour}, singleTarget(target), slog.Default()).SyncNow(context.Background())
		assert.Zero(t, target.scanCount(), "state %s must be left alone", state)
	}
}

func TestSyncTriggersScanForUnindexedFiles(t *testing.T) {
	target := newTarget(t, lifecycle.StateActive)
	target.files = []scanner.FileInfo{{RelPath: "new.txt", Size: 3}}

	New(Config{Interval: time.Hour}, singleTarget(target), slog.Default()).SyncNow(context.Background())
	assert.Equal(t, 1, target.scanCount(), "watcher-missed file triggers a scan")
}

func TestSyncLeavesConsistentFolderAlone(t *testing.T) {
	target := newTarget(t, lifecycle.StateActive)
	ctx := context.Background()

	id, err := target.st.UpsertDocument(ctx, &store.Document{
		FilePath: "known.txt", Fingerprint: "fp", MimeType: "text/plain", LastModified: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, target.st.MarkDocumentIndexed(ctx, id))
	target.files = []scanner.FileInfo{{RelPath: "known.txt", Size: 1}}

	New(Config{Interval: time.Hour}, singleTarget(target), slog.Default()).SyncNow(ctx)
	assert.Zero(t, target.scanCount())
}

func TestSyncRequeuesInterruptedDocuments(t *testing.T) {
	target := newTarget(t, lifecycle.StateActive)
	ctx := context.Background()

	// A document row without its reindex flag cleared means the process
	// died between the metadata write and the embedding writes.
	_, err := target.st.UpsertDocument(ctx, &store.Document{
		FilePath: "cut-short.txt", Fingerprint: "fp", MimeType: "text/plain", LastModified: time.Now(),
	})
	require.NoError(t, err)
	target.files = []scanner.FileInfo{{RelPath: "cut-short.txt", Size: 1}}

	New(Config{Interval: time.Hour}, singleTarget(target), slog.Default()).SyncNow(ctx)
	assert.Equal(t, 1, target.scanCount(), "interrupted document triggers a rescan")
}

func TestVecCleanupCanBeDisabled(t *testing.T) {
	s := New(Config{Interval: time.Hour, DisableVecCleanup: true}, singleTarget(nil), slog.Default())
	assert.False(t, s.vecCleanup)

	s = New(Config{Interval: time.Hour}, singleTarget(nil), slog.Default())
	assert.True(t, s.vecCleanup, "cleanup is on unless disabled")
}

func TestSyncFolderFailureDoesNotHaltOthers(t *testing.T) {
	broken := newTarget(t, lifecycle.StateActive)
	broken.listErr = errors.New(errors.KindTransient, "disk unplugged")
	errored := newTarget(t, lifecycle.StateError)

	s := New(Config{Interval: time.Hour}, func() []Target { return []Target{broken, errored} }, slog.Default())
	s.SyncNow(context.Background())

	assert.Equal(t, 1, errored.scanCount(), "second folder still synced")
}

func TestStartIsIdempotent(t *testing.T) {
	target := newTarget(t, lifecycle.StateError)
	s := New(Config{Interval: 20 * time.Millisecond}, singleTarget(target), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)
	s.Start(ctx)

	time.Sleep(130 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent

	// One timer firing every 20ms for ~130ms: well under what three
	// concurrent loops would produce.
	assert.LessOrEqual(t, target.scanCount(), 8)
	assert.GreaterOrEqual(t, target.scanCount(), 2)
}
