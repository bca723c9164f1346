package lifecycle

import (
	"log/slog"
	"sync"
	"time"
)

// EventType discriminates bus events.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventScanStarted   EventType = "scan_started"
	EventProgress      EventType = "progress"
	EventTaskCompleted EventType = "task_completed"
	EventFolderError   EventType = "folder_error"
)

// Event is one folder lifecycle notification.
type Event struct {
	Type       EventType
	FolderPath string
	Time       time.Time

	// StateChanged
	From, To State

	// Progress
	Progress *Progress

	// TaskCompleted / FolderError
	FilePath string
	Err      error
}

// Progress is a snapshot of indexing completion.
type Progress struct {
	CompletedTasks int
	FailedTasks    int
	TotalTasks     int
	Percentage     float64
}

// Subscription is a handle to a bus subscription. Events arrive on C;
// Unsubscribe closes it.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	once sync.Once
	bus  *Bus
}

// Unsubscribe detaches from the bus and closes C.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

// Bus fans lifecycle events out to subscribers. Publishing never blocks:
// a subscriber that falls behind its buffer loses events, which is fine
// for progress reporting.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped int
	logger  *slog.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{subs: make(map[*Subscription]struct{}), logger: logger}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped++
			if b.dropped%100 == 1 {
				b.logger.Debug("event_bus_dropping",
					slog.String("event", string(event.Type)),
					slog.Int("dropped_total", b.dropped))
			}
		}
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}
