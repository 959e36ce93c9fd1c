package events_test

import (
	"testing"

	"github.com/redloop/redloop/pkg/events"
	"github.com/redloop/redloop/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestFrameFromEvent(t *testing.T) {
	t.Parallel()

	taskFrame := events.FrameFromEvent(&events.TaskUpdated{
		BaseEvent: events.BaseEvent{ExecutionID: "exec-1"},
		TaskID:    "clone_repository",
		Status:    "SUCCESS",
		Message:   "cloned",
	})
	assert.Equal(t, events.FrameTaskUpdate, taskFrame.Type)
	assert.Equal(t, "exec-1", taskFrame.ExecutionID)
	assert.Equal(t, "clone_repository", taskFrame.TaskID)

	stateFrame := events.FrameFromEvent(&events.StateUpdated{
		BaseEvent: events.BaseEvent{ExecutionID: "exec-1"},
		State:     models.ExecutionStateSuccess,
	})
	assert.Equal(t, events.FrameExecutionUpdate, stateFrame.Type)
	assert.Equal(t, models.ExecutionStateSuccess, stateFrame.State)

	rawFrame := events.FrameFromEvent("not an event")
	assert.Equal(t, events.FrameRaw, rawFrame.Type)
}

func TestSnapshotFrame(t *testing.T) {
	t.Parallel()

	record := models.NewExecutionRecord("exec-1")
	record.State = models.ExecutionStateRunning
	record.Tasks["scan"] = models.TaskStatus{Status: "RUNNING"}

	frame := events.SnapshotFrame(record)
	assert.Equal(t, events.FrameSnapshot, frame.Type)
	assert.Equal(t, models.ExecutionStateRunning, frame.State)
	assert.Equal(t, 1, frame.TaskCount)
	assert.Same(t, record, frame.Record)
}

func TestFrameTypeIsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, events.FrameComplete.IsTerminal())
	assert.True(t, events.FrameTimeout.IsTerminal())
	assert.True(t, events.FrameError.IsTerminal())
	assert.False(t, events.FrameConnected.IsTerminal())
	assert.False(t, events.FrameWaiting.IsTerminal())
	assert.False(t, events.FrameExecutionUpdate.IsTerminal())
}
