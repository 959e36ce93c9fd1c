// Package store provides the authoritative, mutable view of workflow
// executions. All mutation of an ExecutionRecord goes through a Store; no
// other component touches records directly.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redloop/redloop/pkg/models"
)

// TerminalTaskID is the pipeline's final step. When this task reports
// SUCCESS or FAILED the run-level state is promoted accordingly; the engine
// only sends its run-state notification afterwards, if at all.
const TerminalTaskID = "complete"

var (
	// ErrEmptyExecutionID indicates a store operation was called without an
	// execution identifier.
	ErrEmptyExecutionID = errors.New("execution id is required")

	// ErrEmptyTaskID indicates a task update was applied without a task
	// identifier.
	ErrEmptyTaskID = errors.New("task id is required")
)

// TaskUpdate is one normalized task-level progress event.
type TaskUpdate struct {
	TaskID  string
	Status  string
	Message string
	Output  any
}

// Store holds the authoritative state of executions, keyed by execution id.
//
// Get never fails for a syntactically valid identifier: an absent execution
// yields a persisted UNKNOWN placeholder so subsequent callers share the
// same record. Returned records are copies; mutations are atomic with
// respect to concurrent readers.
type Store interface {
	Get(ctx context.Context, executionID string) (*models.ExecutionRecord, error)
	ApplyTaskUpdate(ctx context.Context, executionID string, update TaskUpdate) (*models.ExecutionRecord, error)
	ApplyExecutionState(ctx context.Context, executionID string, state models.ExecutionState, message string) (*models.ExecutionRecord, error)

	// Evict removes records that reached a terminal state before the cutoff
	// and returns how many were removed. Live executions are never evicted.
	Evict(ctx context.Context, before time.Time) (int, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
