package models_test

import (
	"testing"

	"github.com/redloop/redloop/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionState_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, models.ExecutionStateSuccess.IsTerminal())
	assert.True(t, models.ExecutionStateFailed.IsTerminal())
	assert.True(t, models.ExecutionStateKilled.IsTerminal())
	assert.False(t, models.ExecutionStateCreated.IsTerminal())
	assert.False(t, models.ExecutionStateRunning.IsTerminal())
	assert.False(t, models.ExecutionStateUnknown.IsTerminal())
}

func TestExecutionState_CanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    models.ExecutionState
		to      models.ExecutionState
		allowed bool
	}{
		{"created to running", models.ExecutionStateCreated, models.ExecutionStateRunning, true},
		{"unknown to running", models.ExecutionStateUnknown, models.ExecutionStateRunning, true},
		{"running to success", models.ExecutionStateRunning, models.ExecutionStateSuccess, true},
		{"running to killed", models.ExecutionStateRunning, models.ExecutionStateKilled, true},
		{"success back to running", models.ExecutionStateSuccess, models.ExecutionStateRunning, false},
		{"failed back to created", models.ExecutionStateFailed, models.ExecutionStateCreated, false},
		{"success corrected to failed", models.ExecutionStateSuccess, models.ExecutionStateFailed, true},
		{"running to empty", models.ExecutionStateRunning, "", false},
		{"running to unknown", models.ExecutionStateRunning, models.ExecutionStateUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestParseExecutionState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, models.ExecutionStateSuccess, models.ParseExecutionState("SUCCESS"))
	assert.Equal(t, models.ExecutionStateUnknown, models.ParseExecutionState("RESTARTED"))
	assert.Equal(t, models.ExecutionStateUnknown, models.ParseExecutionState(""))
}

func TestExecutionRecord_Clone(t *testing.T) {
	t.Parallel()

	record := models.NewExecutionRecord("exec-1")
	record.State = models.ExecutionStateRunning
	record.Tasks["clone_repository"] = models.TaskStatus{Status: "SUCCESS", Message: "done"}
	record.Outputs["clone_repository"] = map[string]any{"path": "/tmp/repo"}
	record.Logs = append(record.Logs, models.LogEntry{TaskID: "clone_repository", Status: "SUCCESS"})

	clone := record.Clone()
	require.Equal(t, record, clone)

	// Mutating the clone must not leak back into the original.
	clone.Tasks["scan"] = models.TaskStatus{Status: "RUNNING"}
	clone.Logs = append(clone.Logs, models.LogEntry{TaskID: "scan", Status: "RUNNING"})
	clone.Outputs["scan"] = "partial"

	assert.Len(t, record.Tasks, 1)
	assert.Len(t, record.Logs, 1)
	assert.Len(t, record.Outputs, 1)
}
