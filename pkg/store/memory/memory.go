// Package memory provides the in-process execution store implementation.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redloop/redloop/pkg/models"
	"github.com/redloop/redloop/pkg/store"
)

// Store keeps execution records in process memory. Each record carries its
// own lock so writes to different executions never contend; writes to the
// same execution are serialized.
type Store struct {
	mu           sync.RWMutex
	records      map[string]*entry
	terminalTask string
	logger       *slog.Logger
}

type entry struct {
	mu     sync.Mutex
	record *models.ExecutionRecord
}

type Option func(*Store)

// WithTerminalTask overrides the task id whose SUCCESS/FAILED report
// promotes the run-level state.
func WithTerminalTask(taskID string) Option {
	return func(s *Store) {
		s.terminalTask = taskID
	}
}

func NewStore(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		records:      make(map[string]*entry),
		terminalTask: store.TerminalTaskID,
		logger:       logger.With("module", "memory_store"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// lookup returns the entry for an execution id, creating and persisting an
// UNKNOWN placeholder when absent.
func (s *Store) lookup(executionID string) *entry {
	s.mu.RLock()
	e, ok := s.records[executionID]
	s.mu.RUnlock()

	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok = s.records[executionID]; ok {
		return e
	}

	e = &entry{record: models.NewExecutionRecord(executionID)}
	s.records[executionID] = e

	return e
}

func (s *Store) Get(_ context.Context, executionID string) (*models.ExecutionRecord, error) {
	if executionID == "" {
		return nil, store.ErrEmptyExecutionID
	}

	e := s.lookup(executionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.record.Clone(), nil
}

func (s *Store) ApplyTaskUpdate(_ context.Context, executionID string, update store.TaskUpdate) (*models.ExecutionRecord, error) {
	if executionID == "" {
		return nil, store.ErrEmptyExecutionID
	}

	if update.TaskID == "" {
		return nil, store.ErrEmptyTaskID
	}

	e := s.lookup(executionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.record

	record.Tasks[update.TaskID] = models.TaskStatus{
		Status:  update.Status,
		Message: update.Message,
		Output:  update.Output,
	}

	if update.Output != nil {
		record.Outputs[update.TaskID] = update.Output
	}

	record.Logs = append(record.Logs, models.LogEntry{
		TaskID:  update.TaskID,
		Status:  update.Status,
		Message: update.Message,
	})

	// Any task activity implies the run itself is underway.
	s.advance(record, models.ExecutionStateRunning)

	// The pipeline's final task reporting a terminal status is authoritative
	// for run-level state.
	if update.TaskID == s.terminalTask {
		switch update.Status {
		case string(models.ExecutionStateSuccess):
			s.advance(record, models.ExecutionStateSuccess)
		case string(models.ExecutionStateFailed):
			s.advance(record, models.ExecutionStateFailed)
		}
	}

	record.UpdatedAt = time.Now().UTC()

	return record.Clone(), nil
}

func (s *Store) ApplyExecutionState(_ context.Context, executionID string, state models.ExecutionState, _ string) (*models.ExecutionRecord, error) {
	if executionID == "" {
		return nil, store.ErrEmptyExecutionID
	}

	e := s.lookup(executionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	s.advance(e.record, state)
	e.record.UpdatedAt = time.Now().UTC()

	return e.record.Clone(), nil
}

// advance applies a monotonic state transition. Attempted regressions, such
// as a stray RUNNING after SUCCESS, are ignored.
func (s *Store) advance(record *models.ExecutionRecord, next models.ExecutionState) {
	if record.State == next {
		return
	}

	if !record.State.CanTransition(next) {
		s.logger.Debug("Ignoring state regression",
			"execution_id", record.ID,
			"current", record.State,
			"attempted", next)

		return
	}

	record.State = next

	if next.IsTerminal() {
		completedAt := time.Now().UTC()
		record.CompletedAt = &completedAt
	}
}

func (s *Store) Evict(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0

	for id, e := range s.records {
		e.mu.Lock()
		expired := e.record.State.IsTerminal() &&
			e.record.CompletedAt != nil &&
			e.record.CompletedAt.Before(before)
		e.mu.Unlock()

		if expired {
			delete(s.records, id)

			evicted++
		}
	}

	return evicted, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}
