// Package ingest normalizes inbound progress notifications from the
// workflow engine and applies them to the execution store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/redloop/redloop/pkg/eventbus"
	"github.com/redloop/redloop/pkg/events"
	"github.com/redloop/redloop/pkg/models"
	"github.com/redloop/redloop/pkg/otelhelper"
	"github.com/redloop/redloop/pkg/store"
)

var (
	// ErrMalformedPayload indicates the inbound payload could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrValidation indicates a decoded payload is missing required fields.
	ErrValidation = errors.New("validation failed")
)

// IsValidationError reports whether the error should surface to the engine
// as a 4xx rather than being masked behind a receipt.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrValidation)
}

// TaskEventPayload is the task-progress notification shape. The engine's
// payload is not contractually fixed: unknown fields are tolerated and the
// opaque result may arrive under either "output" or "data".
type TaskEventPayload struct {
	ExecutionID string `json:"execution_id" validate:"required"`
	TaskID      string `json:"task_id"      validate:"required"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	Output      any    `json:"output"`
	Data        any    `json:"data"`
}

func (p TaskEventPayload) output() any {
	if p.Output != nil {
		return p.Output
	}

	return p.Data
}

// ExecutionEventPayload is the run-state notification shape.
type ExecutionEventPayload struct {
	ExecutionID string `json:"execution_id" validate:"required"`
	State       string `json:"state"`
	Message     string `json:"message"`
}

// TaskReceipt acknowledges a task-progress notification.
type TaskReceipt struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id"`
	Message string `json:"message,omitempty"`
}

// ExecutionReceipt acknowledges a run-state notification.
type ExecutionReceipt struct {
	Status  string `json:"status"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// Ingestor validates, applies and fans out progress events. Internal apply
// or delivery failures are logged and masked behind a best-effort receipt:
// the engine treats a non-2xx response as a pipeline failure, so local
// problems must never surface to it.
type Ingestor struct {
	store    store.Store
	bus      eventbus.EventBus
	validate *validator.Validate
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewIngestor(s store.Store, bus eventbus.EventBus, tracer trace.Tracer, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:    s,
		bus:      bus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   tracer,
		logger:   logger.With("module", "ingestor"),
	}
}

func (i *Ingestor) IngestTaskEvent(ctx context.Context, payload []byte) (*TaskReceipt, error) {
	var event TaskEventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err)
	}

	if err := i.validate.Struct(event); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	ctx, span := otelhelper.StartSpan(ctx, i.tracer, "ingest.task_event",
		attribute.String(otelhelper.ExecutionIDKey, event.ExecutionID),
		attribute.String(otelhelper.TaskIDKey, event.TaskID),
	)
	defer span.End()

	i.logger.Info("Task update received",
		"execution_id", event.ExecutionID,
		"task_id", event.TaskID,
		"status", event.Status)

	_, err := i.store.ApplyTaskUpdate(ctx, event.ExecutionID, store.TaskUpdate{
		TaskID:  event.TaskID,
		Status:  event.Status,
		Message: event.Message,
		Output:  event.output(),
	})
	if err != nil {
		otelhelper.SetError(span, err)
		i.logger.Error("Failed to apply task update",
			"execution_id", event.ExecutionID,
			"task_id", event.TaskID,
			"error", err)

		return &TaskReceipt{Status: "error", TaskID: event.TaskID, Message: err.Error()}, nil
	}

	i.publish(ctx, event.ExecutionID, &events.TaskUpdated{
		BaseEvent: events.NewBaseEvent(events.TaskUpdatedEvent, event.ExecutionID),
		TaskID:    event.TaskID,
		Status:    event.Status,
		Message:   event.Message,
		Output:    event.output(),
	})

	return &TaskReceipt{Status: "received", TaskID: event.TaskID}, nil
}

func (i *Ingestor) IngestExecutionEvent(ctx context.Context, payload []byte) (*ExecutionReceipt, error) {
	var event ExecutionEventPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPayload, err)
	}

	if err := i.validate.Struct(event); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	ctx, span := otelhelper.StartSpan(ctx, i.tracer, "ingest.execution_event",
		attribute.String(otelhelper.ExecutionIDKey, event.ExecutionID),
		attribute.String(otelhelper.StateKey, event.State),
	)
	defer span.End()

	i.logger.Info("Execution update received",
		"execution_id", event.ExecutionID,
		"state", event.State)

	state := models.ParseExecutionState(event.State)

	_, err := i.store.ApplyExecutionState(ctx, event.ExecutionID, state, event.Message)
	if err != nil {
		otelhelper.SetError(span, err)
		i.logger.Error("Failed to apply execution state",
			"execution_id", event.ExecutionID,
			"state", event.State,
			"error", err)

		return &ExecutionReceipt{Status: "error", State: event.State, Message: err.Error()}, nil
	}

	i.publish(ctx, event.ExecutionID, &events.StateUpdated{
		BaseEvent: events.NewBaseEvent(events.StateUpdatedEvent, event.ExecutionID),
		State:     state,
		Message:   event.Message,
	})

	return &ExecutionReceipt{Status: "received", State: event.State}, nil
}

// publish hands the normalized event to the bus. Delivery problems are a
// local concern: they are logged and swallowed so the engine's call never
// blocks or fails on them.
func (i *Ingestor) publish(ctx context.Context, executionID string, event eventbus.Event) {
	if err := i.bus.Publish(ctx, executionID, event); err != nil {
		i.logger.Error("Failed to publish event",
			"execution_id", executionID,
			"event_type", event.GetType(),
			"error", err)
	}
}
