package events

import "github.com/redloop/redloop/pkg/models"

// FrameType tags the update frames delivered to viewers on the push and
// poll read paths.
type FrameType string

const (
	FrameConnected       FrameType = "connected"
	FrameWaiting         FrameType = "waiting"
	FrameSnapshot        FrameType = "snapshot"
	FrameTaskUpdate      FrameType = "task_update"
	FrameExecutionUpdate FrameType = "execution_update"
	FrameComplete        FrameType = "complete"
	FrameTimeout         FrameType = "timeout"
	FrameError           FrameType = "error"
	FrameRaw             FrameType = "raw"
)

// IsTerminal reports whether the frame ends a poll or follow stream.
func (t FrameType) IsTerminal() bool {
	return t == FrameComplete || t == FrameTimeout || t == FrameError
}

// Frame is one update delivered to a viewer. Fields are populated according
// to Type; unused fields are omitted from the wire encoding.
type Frame struct {
	Type        FrameType                    `json:"type"`
	ExecutionID string                       `json:"execution_id,omitempty"`
	State       models.ExecutionState        `json:"state,omitempty"`
	TaskID      string                       `json:"task_id,omitempty"`
	Status      string                       `json:"status,omitempty"`
	Message     string                       `json:"message,omitempty"`
	Tasks       map[string]models.TaskStatus `json:"tasks,omitempty"`
	TaskCount   int                          `json:"task_count,omitempty"`
	Output      any                          `json:"output,omitempty"`
	Record      *models.ExecutionRecord      `json:"record,omitempty"`
	Error       string                       `json:"error,omitempty"`
	Raw         string                       `json:"raw,omitempty"`
}

// SnapshotFrame builds the full-record frame a late subscriber receives as
// its first message.
func SnapshotFrame(record *models.ExecutionRecord) Frame {
	return Frame{
		Type:        FrameSnapshot,
		ExecutionID: record.ID,
		State:       record.State,
		Tasks:       record.Tasks,
		TaskCount:   len(record.Tasks),
		Record:      record,
	}
}

// FrameFromEvent converts a bus event into its viewer-facing delta frame.
// Unrecognized event types yield a raw frame so nothing is silently dropped.
func FrameFromEvent(event any) Frame {
	switch e := event.(type) {
	case *TaskUpdated:
		return Frame{
			Type:        FrameTaskUpdate,
			ExecutionID: e.ExecutionID,
			TaskID:      e.TaskID,
			Status:      e.Status,
			Message:     e.Message,
			Output:      e.Output,
		}
	case *StateUpdated:
		return Frame{
			Type:        FrameExecutionUpdate,
			ExecutionID: e.ExecutionID,
			State:       e.State,
			Message:     e.Message,
		}
	default:
		return Frame{Type: FrameRaw}
	}
}
