// Package tasks tracks background goroutines spawned by the orchestrator so
// they can be observed, listed, and drained on shutdown.
package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratusmap/conductor/internal/events"
	"github.com/stratusmap/conductor/internal/observability"
)

// Task statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultMaxTracked bounds how many finished task records are retained.
const DefaultMaxTracked = 1000

// Record is the observable state of one tracked task.
type Record struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	FlowID     string     `json:"flow_id,omitempty"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Tracker runs functions as tracked background tasks. Each task gets its own
// record, lifecycle events on the bus, and a slot in the running-tasks
// gauge. Finished records are evicted oldest-first past the cap.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	max     int

	wg      sync.WaitGroup
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewTracker creates a task tracker. A max of 0 falls back to the default
// retention cap.
func NewTracker(max int, bus *events.Bus, metrics *observability.Metrics, logger *zap.Logger) *Tracker {
	if max <= 0 {
		max = DefaultMaxTracked
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		records: make(map[string]*Record),
		max:     max,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// StartTask runs fn in a tracked goroutine and returns the task ID. The
// task's context is detached from the caller's cancellation but keeps its
// values, so request-scoped work survives the originating request.
func (t *Tracker) StartTask(ctx context.Context, name, flowID string, fn func(context.Context) error) string {
	id := uuid.New().String()
	record := &Record{
		ID:        id,
		Name:      name,
		FlowID:    flowID,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	t.mu.Lock()
	t.records[id] = record
	t.order = append(t.order, id)
	t.evictLocked()
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RunningTasks.Inc()
	}
	t.publish(ctx, events.TypeTaskStarted, record)

	taskCtx := context.WithoutCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := fn(taskCtx)
		t.finish(taskCtx, id, err)
	}()
	return id
}

func (t *Tracker) finish(ctx context.Context, id string, err error) {
	now := time.Now().UTC()

	t.mu.Lock()
	record, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	record.FinishedAt = &now
	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
	} else {
		record.Status = StatusCompleted
	}
	snapshot := *record
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RunningTasks.Dec()
	}
	if err != nil {
		if t.metrics != nil {
			t.metrics.TaskFailuresTotal.WithLabelValues(snapshot.Name).Inc()
		}
		t.logger.Warn("background task failed",
			zap.String("task_id", id),
			zap.String("task", snapshot.Name),
			zap.String("flow_id", snapshot.FlowID),
			zap.Error(err))
		t.publish(ctx, events.TypeTaskFailed, &snapshot)
		return
	}
	t.publish(ctx, events.TypeTaskCompleted, &snapshot)
}

// evictLocked drops the oldest finished records beyond the retention cap.
// Running tasks are never evicted.
func (t *Tracker) evictLocked() {
	if len(t.order) <= t.max {
		return
	}
	kept := t.order[:0]
	excess := len(t.order) - t.max
	for _, id := range t.order {
		record := t.records[id]
		if excess > 0 && record != nil && record.Status != StatusRunning {
			delete(t.records, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Get returns the record for a task ID.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// List returns all tracked records, newest first.
func (t *Tracker) List() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Record, 0, len(t.records))
	for _, record := range t.records {
		result = append(result, *record)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result
}

// RunningCount returns the number of tasks currently running.
func (t *Tracker) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, record := range t.records {
		if record.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Wait blocks until all tracked tasks finish or the timeout elapses. It
// returns false on timeout. Used for graceful shutdown.
func (t *Tracker) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (t *Tracker) publish(ctx context.Context, eventType events.Type, record *Record) {
	if t.bus == nil {
		return
	}
	event := events.NewEvent(eventType, record.FlowID, "", map[string]any{
		"task_id": record.ID,
		"task":    record.Name,
		"status":  record.Status,
	})
	if err := t.bus.Publish(ctx, event); err != nil {
		t.logger.Debug("task event publish failed", zap.String("task_id", record.ID), zap.Error(err))
	}
}
