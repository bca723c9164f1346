// Package resource bounds daemon-wide concurrency. Folder indexing and
// other heavy operations are submitted here and run in at most
// maxConcurrentOperations goroutines; the rest wait in a priority queue
// ordered by priority, then submission time.
package resource

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// Func is the work an operation performs. The context is cancelled when
// the operation is cancelled or the manager shuts down.
type Func func(ctx context.Context) error

// Options tune a submitted operation.
type Options struct {
	// Priority orders the queue; higher runs first. Default 0.
	Priority int
	// EstimatedMemoryMB is advisory and only logged today.
	EstimatedMemoryMB int
}

type operation struct {
	id       string
	folder   string
	fn       Func
	opts     Options
	enqueued time.Time
	seq      uint64
	result   chan error
	index    int // heap bookkeeping
}

// Manager schedules operations over a fixed worker budget.
type Manager struct {
	mu       sync.Mutex
	queue    opHeap
	byID     map[string]*operation
	running  map[string]context.CancelFunc
	maxOps   int
	maxQueue int
	seq      uint64
	closed   bool
	wg       sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
	logger     *slog.Logger
}

// New returns a manager with the given concurrency and queue bounds.
func New(maxConcurrentOperations, maxQueueDepth int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrentOperations <= 0 {
		maxConcurrentOperations = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		byID:       make(map[string]*operation),
		running:    make(map[string]context.CancelFunc),
		maxOps:     maxConcurrentOperations,
		maxQueue:   maxQueueDepth,
		baseCtx:    ctx,
		baseCancel: cancel,
		logger:     logger,
	}
}

// Submit enqueues an operation and returns a channel that yields its
// result exactly once. A full queue fails immediately with
// KindResourceExhausted; duplicate ids are rejected.
func (m *Manager) Submit(id, folderPath string, fn Func, opts Options) (<-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New(errors.KindCancelled, "resource manager is shut down")
	}
	if _, exists := m.byID[id]; exists {
		return nil, errors.Newf(errors.KindProtocolViolation, "operation %s already submitted", id)
	}
	if m.maxQueue > 0 && m.queue.Len() >= m.maxQueue {
		return nil, errors.Newf(errors.KindResourceExhausted,
			"operation queue full (%d waiting)", m.queue.Len())
	}

	m.seq++
	op := &operation{
		id:       id,
		folder:   folderPath,
		fn:       fn,
		opts:     opts,
		enqueued: time.Now(),
		seq:      m.seq,
		result:   make(chan error, 1),
	}
	m.byID[id] = op
	heap.Push(&m.queue, op)
	m.logger.Debug("operation_queued",
		slog.String("operation_id", id),
		slog.String("folder", folderPath),
		slog.Int("priority", opts.Priority),
		slog.Int("estimated_memory_mb", opts.EstimatedMemoryMB))

	m.dispatchLocked()
	return op.result, nil
}

// dispatchLocked starts queued operations while worker slots are free.
func (m *Manager) dispatchLocked() {
	for len(m.running) < m.maxOps && m.queue.Len() > 0 {
		op := heap.Pop(&m.queue).(*operation)
		opCtx, cancel := context.WithCancel(m.baseCtx)
		m.running[op.id] = cancel

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.logger.Debug("operation_started",
				slog.String("operation_id", op.id),
				slog.Duration("queued_for", time.Since(op.enqueued)))
			err := op.fn(opCtx)
			cancel()

			m.mu.Lock()
			delete(m.running, op.id)
			delete(m.byID, op.id)
			m.dispatchLocked()
			m.mu.Unlock()

			op.result <- err
		}()
	}
}

// Cancel aborts an operation. A queued operation resolves immediately
// with KindCancelled; a running one has its context cancelled and
// resolves with whatever its function returns. Unknown ids are a no-op.
func (m *Manager) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.running[id]; ok {
		cancel()
		return
	}
	op, ok := m.byID[id]
	if !ok {
		return
	}
	heap.Remove(&m.queue, op.index)
	delete(m.byID, id)
	op.result <- errors.Newf(errors.KindCancelled, "operation %s cancelled before start", id)
}

// QueueDepth returns queued (not running) operation count.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// RunningCount returns in-flight operation count.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown rejects new work, cancels everything queued, signals running
// operations to stop, and waits for them until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for m.queue.Len() > 0 {
		op := heap.Pop(&m.queue).(*operation)
		delete(m.byID, op.id)
		op.result <- errors.New(errors.KindCancelled, "resource manager shutting down")
	}
	m.baseCancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.KindCancelled, "shutdown wait", ctx.Err())
	}
}

// opHeap orders by priority descending, then submission order.
type opHeap []*operation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].opts.Priority != h[j].opts.Priority {
		return h[i].opts.Priority > h[j].opts.Priority
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *opHeap) Push(x any) {
	op := x.(*operation)
	op.index = len(*h)
	*h = append(*h, op)
}

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}
