// Package queue tracks per-folder embedding work. Tasks are derived from
// detected file changes, dispatched up to a concurrency cap, and retried
// with exponential backoff before being marked terminally failed.
package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/folder-mcp/folder-mcp/internal/detector"
	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// TaskType says what to do with a file's embeddings.
type TaskType string

const (
	TaskCreateEmbeddings TaskType = "CreateEmbeddings"
	TaskUpdateEmbeddings TaskType = "UpdateEmbeddings"
	TaskRemoveEmbeddings TaskType = "RemoveEmbeddings"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Task is one file's embedding work item.
type Task struct {
	ID           string
	File         detector.FileChange
	Type         TaskType
	Status       Status
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
	ErrorMessage string

	// notBefore delays retry dispatch; zero means dispatch immediately.
	notBefore time.Time
}

// Stats summarize queue state for progress reporting. Retrying counts the
// subset of pending tasks that already failed at least once and are
// waiting for another attempt.
type Stats struct {
	Total      int
	Pending    int
	InProgress int
	Retrying   int
	Success    int
	Error      int
}

// Queue is a per-folder task queue. Safe for concurrent use.
type Queue struct {
	mu                 sync.Mutex
	tasks              []*Task
	byID               map[string]*Task
	maxConcurrentTasks int
	maxRetries         int
	retryDelay         time.Duration
	logger             *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New returns an empty queue.
func New(maxConcurrentTasks, maxRetries int, retryDelay time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 1
	}
	return &Queue{
		byID:               make(map[string]*Task),
		maxConcurrentTasks: maxConcurrentTasks,
		maxRetries:         maxRetries,
		retryDelay:         retryDelay,
		logger:             logger,
		now:                time.Now,
	}
}

// taskTypeFor maps a change type to its task type.
func taskTypeFor(change detector.ChangeType) TaskType {
	switch change {
	case detector.ChangeAdded:
		return TaskCreateEmbeddings
	case detector.ChangeModified:
		return TaskUpdateEmbeddings
	default:
		return TaskRemoveEmbeddings
	}
}

// AddTasks enqueues one task per file change, in order.
func (q *Queue) AddTasks(changes []detector.FileChange) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := make([]*Task, 0, len(changes))
	for _, change := range changes {
		task := &Task{
			ID:         uuid.NewString(),
			File:       change,
			Type:       taskTypeFor(change.Type),
			Status:     StatusPending,
			MaxRetries: q.maxRetries,
			CreatedAt:  q.now(),
		}
		q.tasks = append(q.tasks, task)
		q.byID[task.ID] = task
		added = append(added, task)
	}
	if len(added) > 0 {
		q.logger.Debug("queue_tasks_added", slog.Int("count", len(added)))
	}
	return added
}

// GetNextTask returns the oldest dispatchable pending task and marks it
// in-progress, or nil when nothing can run: the queue is drained, every
// pending task is waiting out its retry delay, or the concurrency cap is
// reached.
func (q *Queue) GetNextTask() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	inProgress := 0
	for _, t := range q.tasks {
		if t.Status == StatusInProgress {
			inProgress++
		}
	}
	if inProgress >= q.maxConcurrentTasks {
		return nil
	}

	now := q.now()
	for _, t := range q.tasks {
		if t.Status != StatusPending || now.Before(t.notBefore) {
			continue
		}
		t.Status = StatusInProgress
		t.StartedAt = now
		snapshot := *t
		return &snapshot
	}
	return nil
}

// UpdateTaskStatus records a task outcome. A failed task with retries
// left goes back to pending with delay retryDelay * 2^retryCount; one
// that exhausted its retries stays in error state.
func (q *Queue) UpdateTaskStatus(id string, status Status, errorMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return errors.Newf(errors.KindNotFound, "task %s not found", id)
	}

	switch status {
	case StatusSuccess:
		t.Status = StatusSuccess
		t.CompletedAt = q.now()
		t.ErrorMessage = ""
	case StatusError:
		t.ErrorMessage = errorMessage
		if t.RetryCount < t.MaxRetries {
			delay := q.retryDelay * (1 << t.RetryCount)
			t.RetryCount++
			t.Status = StatusPending
			t.notBefore = q.now().Add(delay)
			q.logger.Debug("queue_task_retry_scheduled",
				slog.String("task_id", t.ID),
				slog.String("path", t.File.Path),
				slog.Int("retry", t.RetryCount),
				slog.Duration("delay", delay))
		} else {
			t.Status = StatusError
			t.CompletedAt = q.now()
			q.logger.Warn("queue_task_failed",
				slog.String("task_id", t.ID),
				slog.String("path", t.File.Path),
				slog.String("error", errorMessage))
		}
	default:
		t.Status = status
	}
	return nil
}

// FailPermanently marks a task terminally failed regardless of retries
// left. Used for errors retrying cannot fix, like an unreadable format.
func (q *Queue) FailPermanently(id, errorMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return errors.Newf(errors.KindNotFound, "task %s not found", id)
	}
	t.Status = StatusError
	t.ErrorMessage = errorMessage
	t.CompletedAt = q.now()
	q.logger.Warn("queue_task_failed_permanently",
		slog.String("task_id", t.ID),
		slog.String("path", t.File.Path),
		slog.String("error", errorMessage))
	return nil
}

// GetStats returns current counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{Total: len(q.tasks)}
	for _, t := range q.tasks {
		switch t.Status {
		case StatusPending:
			stats.Pending++
			if t.RetryCount > 0 {
				stats.Retrying++
			}
		case StatusInProgress:
			stats.InProgress++
		case StatusSuccess:
			stats.Success++
		case StatusError:
			stats.Error++
		}
	}
	return stats
}

// IsDrained reports whether every task reached a terminal state.
func (q *Queue) IsDrained() bool {
	stats := q.GetStats()
	return stats.Pending == 0 && stats.InProgress == 0
}

// Reset drops all tasks.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
	q.byID = make(map[string]*Task)
}
