package broadcast

import (
	"context"
	"log/slog"

	"github.com/redloop/redloop/pkg/eventbus"
	"github.com/redloop/redloop/pkg/events"
)

// Distributor consumes accepted progress events from the bus and fans them
// out to the registry's push subscribers. It is constructed once at process
// start and owns the bus subscription.
type Distributor struct {
	bus      eventbus.EventBus
	registry *Registry
	logger   *slog.Logger
}

func NewDistributor(bus eventbus.EventBus, registry *Registry, logger *slog.Logger) *Distributor {
	return &Distributor{
		bus:      bus,
		registry: registry,
		logger:   logger.With("module", "distributor"),
	}
}

// Start registers the event handlers and begins consuming from the bus.
func (d *Distributor) Start(ctx context.Context) error {
	if err := d.bus.Handle(events.TaskUpdatedEvent, d.handleEvent); err != nil {
		return err
	}

	if err := d.bus.Handle(events.StateUpdatedEvent, d.handleEvent); err != nil {
		return err
	}

	return d.bus.Subscribe(ctx)
}

// handleEvent converts a bus event to its viewer frame and broadcasts it.
// It never returns an error: a frame nobody is listening for is not a
// delivery failure, and per-subscriber problems are handled inside the
// registry.
func (d *Distributor) handleEvent(_ context.Context, event any) error {
	frame := events.FrameFromEvent(event)

	if frame.ExecutionID == "" {
		d.logger.Warn("Discarding event without execution id", "frame_type", frame.Type)

		return nil
	}

	d.registry.Broadcast(frame.ExecutionID, frame)

	return nil
}
