// Package models defines the core domain models for execution status tracking.
package models

import "time"

// ExecutionState represents the run-level state reported by the workflow engine.
type ExecutionState string

const (
	ExecutionStateCreated ExecutionState = "CREATED"
	ExecutionStateRunning ExecutionState = "RUNNING"
	ExecutionStateSuccess ExecutionState = "SUCCESS"
	ExecutionStateFailed  ExecutionState = "FAILED"
	ExecutionStateKilled  ExecutionState = "KILLED"
	ExecutionStateUnknown ExecutionState = "UNKNOWN"
)

// IsTerminal reports whether the state is one of the absorbing end states.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateSuccess || s == ExecutionStateFailed || s == ExecutionStateKilled
}

// CanTransition reports whether a transition from s to next is allowed.
// Terminal states absorb: once reached, no later signal may move the
// execution back to a non-terminal state. A terminal state may still be
// corrected to another terminal state by a later authoritative signal
// (e.g. FAILED after a racing SUCCESS report from the engine).
func (s ExecutionState) CanTransition(next ExecutionState) bool {
	if next == "" || next == ExecutionStateUnknown {
		return false
	}

	if s.IsTerminal() {
		return next.IsTerminal()
	}

	return true
}

// ParseExecutionState maps an engine-reported state string onto the known
// enum, falling back to UNKNOWN for anything unrecognized.
func ParseExecutionState(raw string) ExecutionState {
	switch ExecutionState(raw) {
	case ExecutionStateCreated, ExecutionStateRunning, ExecutionStateSuccess,
		ExecutionStateFailed, ExecutionStateKilled:
		return ExecutionState(raw)
	default:
		return ExecutionStateUnknown
	}
}

// TaskStatus is the last reported status of one task within an execution.
// Output carries the task's opaque result payload when one was reported.
type TaskStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Output  any    `json:"output,omitempty"`
}

// LogEntry is one insertion-ordered progress entry for an execution.
type LogEntry struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ExecutionRecord is the authoritative view of one workflow run.
//
// Tasks holds last-write-wins status per task id. Outputs is kept separate
// from Tasks so large artifacts can be queried without denormalizing them
// into every status read. Logs is append-only and insertion-ordered.
type ExecutionRecord struct {
	ID          string                `json:"execution_id"`
	State       ExecutionState        `json:"state"`
	Tasks       map[string]TaskStatus `json:"tasks"`
	Outputs     map[string]any        `json:"outputs,omitempty"`
	Logs        []LogEntry            `json:"logs"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// NewExecutionRecord returns a placeholder record for an execution that has
// not reported any events yet.
func NewExecutionRecord(id string) *ExecutionRecord {
	now := time.Now().UTC()

	return &ExecutionRecord{
		ID:        id,
		State:     ExecutionStateUnknown,
		Tasks:     make(map[string]TaskStatus),
		Outputs:   make(map[string]any),
		Logs:      []LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the record. Readers always receive clones so
// they can never observe a record mid-update.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	clone := &ExecutionRecord{
		ID:        r.ID,
		State:     r.State,
		Tasks:     make(map[string]TaskStatus, len(r.Tasks)),
		Outputs:   make(map[string]any, len(r.Outputs)),
		Logs:      make([]LogEntry, len(r.Logs)),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	for id, task := range r.Tasks {
		clone.Tasks[id] = task
	}

	for id, output := range r.Outputs {
		clone.Outputs[id] = output
	}

	copy(clone.Logs, r.Logs)

	if r.CompletedAt != nil {
		completedAt := *r.CompletedAt
		clone.CompletedAt = &completedAt
	}

	return clone
}
