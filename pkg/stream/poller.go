// Package stream produces the self-terminating update streams served to
// pull-style viewers: a store-polling stream and an engine-follow stream.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/redloop/redloop/pkg/events"
	"github.com/redloop/redloop/pkg/models"
	"github.com/redloop/redloop/pkg/store"
)

const (
	defaultCadence = time.Second
	defaultBudget  = 180
)

// Poller serves finite poll streams by diffing store snapshots on a fixed
// cadence, independent of push delivery.
type Poller struct {
	store   store.Store
	cadence time.Duration
	budget  int
	logger  *slog.Logger
}

type PollerOption func(*Poller)

// WithCadence overrides the tick interval between store reads.
func WithCadence(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.cadence = d
	}
}

// WithBudget overrides how many ticks a stream may run before timing out.
func WithBudget(ticks int) PollerOption {
	return func(p *Poller) {
		p.budget = ticks
	}
}

func NewPoller(s store.Store, logger *slog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		store:   s,
		cadence: defaultCadence,
		budget:  defaultBudget,
		logger:  logger.With("module", "poll_stream"),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Stream opens a finite, non-restartable poll stream for one execution.
// The returned channel always ends with a complete, timeout or error frame
// and is closed afterwards; it never ends silently. Cancelling the context
// stops production promptly.
func (p *Poller) Stream(ctx context.Context, executionID string) <-chan events.Frame {
	frames := make(chan events.Frame)

	go p.run(ctx, executionID, frames)

	return frames
}

func (p *Poller) run(ctx context.Context, executionID string, frames chan<- events.Frame) {
	defer close(frames)

	if !send(ctx, frames, events.Frame{Type: events.FrameConnected, ExecutionID: executionID}) {
		return
	}

	var lastState models.ExecutionState

	lastTaskCount := -1

	ticker := time.NewTicker(p.cadence)
	defer ticker.Stop()

	for tick := 0; tick < p.budget; tick++ {
		record, err := p.store.Get(ctx, executionID)
		if err != nil {
			p.logger.Error("Poll stream read failed", "execution_id", executionID, "error", err)
			send(ctx, frames, events.Frame{Type: events.FrameError, ExecutionID: executionID, Error: err.Error()})

			return
		}

		if record.State == models.ExecutionStateUnknown && len(record.Tasks) == 0 {
			if !send(ctx, frames, events.Frame{Type: events.FrameWaiting, ExecutionID: executionID}) {
				return
			}
		} else {
			if record.State != lastState || len(record.Tasks) != lastTaskCount {
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
				lastTaskCount = len(record.Tasks)
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

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}

	send(ctx, frames, events.Frame{
		Type:        events.FrameTimeout,
		ExecutionID: executionID,
		Message:     "stream budget exhausted before the execution completed",
	})
}

// send delivers a frame unless the consumer is gone. It reports whether
// production should continue.
func send(ctx context.Context, frames chan<- events.Frame, frame events.Frame) bool {
	select {
	case frames <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
