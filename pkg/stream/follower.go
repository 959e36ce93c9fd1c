package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/redloop/redloop/pkg/events"
	"github.com/redloop/redloop/pkg/models"
	"github.com/redloop/redloop/pkg/store"
)

// FollowSource opens the engine's native execution-follow stream.
type FollowSource interface {
	Follow(ctx context.Context, executionID string) (io.ReadCloser, error)
}

// followDocument is the engine's per-line execution snapshot. Only the
// fields the store cares about are decoded; the rest passes through.
type followDocument struct {
	State struct {
		Current string `json:"current"`
	} `json:"state"`
	TaskRunList []struct {
		TaskID string `json:"taskId"`
		State  struct {
			Current string `json:"current"`
		} `json:"state"`
		Outputs map[string]any `json:"outputs"`
	} `json:"taskRunList"`
}

// Follower is the alternative ingestion path for deployments where the
// engine cannot reach the webhook endpoint: it reads the engine's own
// follow stream and feeds the store the same way the ingestor does.
type Follower struct {
	source FollowSource
	store  store.Store
	logger *slog.Logger
}

func NewFollower(source FollowSource, s store.Store, logger *slog.Logger) *Follower {
	return &Follower{
		source: source,
		store:  s,
		logger: logger.With("module", "follow_stream"),
	}
}

// Stream opens the upstream follow connection and relays its updates. A
// failure to open yields a single error frame; there is no automatic
// reconnect. Malformed upstream lines are surfaced as raw frames rather
// than dropped. Like the poll stream, the sequence always ends with a
// terminal frame and the channel is closed afterwards.
func (f *Follower) Stream(ctx context.Context, executionID string) <-chan events.Frame {
	frames := make(chan events.Frame)

	go f.run(ctx, executionID, frames)

	return frames
}

func (f *Follower) run(ctx context.Context, executionID string, frames chan<- events.Frame) {
	defer close(frames)

	if !send(ctx, frames, events.Frame{Type: events.FrameConnected, ExecutionID: executionID}) {
		return
	}

	body, err := f.source.Follow(ctx, executionID)
	if err != nil {
		f.logger.Warn("Failed to open follow stream", "execution_id", executionID, "error", err)
		send(ctx, frames, events.Frame{Type: events.FrameError, ExecutionID: executionID, Error: err.Error()})

		return
	}

	defer func() {
		if err := body.Close(); err != nil {
			f.logger.Debug("Failed to close follow stream", "error", err)
		}
	}()

	// Tracks what has already been applied so repeated snapshots of the
	// same execution do not append duplicate log entries.
	applied := make(map[string]string)

	lastState := models.ExecutionStateUnknown

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// The engine frames its stream as server-sent events.
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var doc followDocument
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			if !send(ctx, frames, events.Frame{Type: events.FrameRaw, ExecutionID: executionID, Raw: line}) {
				return
			}

			continue
		}

		record, err := f.apply(ctx, executionID, &doc, applied)
		if err != nil {
			f.logger.Error("Failed to apply follow update", "execution_id", executionID, "error", err)
			send(ctx, frames, events.Frame{Type: events.FrameError, ExecutionID: executionID, Error: err.Error()})

			return
		}

		if record.State != lastState || len(doc.TaskRunList) > 0 {
			frame := events.Frame{
				Type:        events.FrameExecutionUpdate,
				ExecutionID: executionID,
				State:       record.State,
				Tasks:       record.Tasks,
				TaskCount:   len(record.Tasks),
			}
			if !send(ctx, frames, frame) {
				return
			}

			lastState = record.State
		}

		if record.State.IsTerminal() {
			send(ctx, frames, events.Frame{
				Type:        events.FrameComplete,
				ExecutionID: executionID,
				State:       record.State,
				Tasks:       record.Tasks,
			})

			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(ctx, frames, events.Frame{Type: events.FrameError, ExecutionID: executionID, Error: err.Error()})

		return
	}

	if ctx.Err() != nil {
		return
	}

	// The upstream closed without the execution reaching a terminal state.
	send(ctx, frames, events.Frame{
		Type:        events.FrameError,
		ExecutionID: executionID,
		Error:       "upstream follow stream ended before completion",
	})
}

// apply feeds one follow document into the store, skipping task states that
// were already applied from an earlier snapshot line.
func (f *Follower) apply(ctx context.Context, executionID string, doc *followDocument, applied map[string]string) (*models.ExecutionRecord, error) {
	for _, task := range doc.TaskRunList {
		if task.TaskID == "" || applied[task.TaskID] == task.State.Current {
			continue
		}

		var output any
		if len(task.Outputs) > 0 {
			output = task.Outputs
		}

		update := store.TaskUpdate{
			TaskID: task.TaskID,
			Status: task.State.Current,
			Output: output,
		}

		if _, err := f.store.ApplyTaskUpdate(ctx, executionID, update); err != nil {
			return nil, err
		}

		applied[task.TaskID] = task.State.Current
	}

	if doc.State.Current != "" {
		state := models.ParseExecutionState(doc.State.Current)

		return f.store.ApplyExecutionState(ctx, executionID, state, "")
	}

	return f.store.Get(ctx, executionID)
}
