// Package events defines event types and structures for execution progress notifications.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/redloop/redloop/pkg/models"
)

type EventType string

// Bus topic for execution progress events.
const Topic = "redloop.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	TaskUpdatedEvent  EventType = "execution.task.updated"
	StateUpdatedEvent EventType = "execution.state.updated"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		Metadata:    make(map[string]any),
	}
}

// TaskUpdated is emitted after a task-level progress event has been applied
// to the store.
type TaskUpdated struct {
	BaseEvent

	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Output  any    `json:"output,omitempty"`
}

func (e TaskUpdated) GetType() EventType {
	return TaskUpdatedEvent
}

// StateUpdated is emitted after a run-level state change has been applied to
// the store.
type StateUpdated struct {
	BaseEvent

	State   models.ExecutionState `json:"state"`
	Message string                `json:"message,omitempty"`
}

func (e StateUpdated) GetType() EventType {
	return StateUpdatedEvent
}
