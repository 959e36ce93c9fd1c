// Package broadcast fans accepted execution events out to live push
// subscribers. One logical topic exists per execution id; delivery is
// best-effort per subscriber and a slow consumer can never stall the
// writer or its peers.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redloop/redloop/pkg/events"
	"github.com/redloop/redloop/pkg/models"
	"github.com/redloop/redloop/pkg/store"
)

// subscriberBufferSize is the per-subscriber frame buffer. A subscriber
// that falls this far behind gets the send timeout applied on the next
// frame and is dropped if it still cannot keep up.
const subscriberBufferSize = 64

const defaultSendTimeout = time.Second

// Subscription is one live push channel for one execution id.
type Subscription struct {
	ID          string
	ExecutionID string
	frames      chan events.Frame
}

// Frames is the subscriber's receive side. It is closed when the
// subscription is dropped or unsubscribed.
func (s *Subscription) Frames() <-chan events.Frame {
	return s.frames
}

// Registry tracks live push subscribers per execution id.
type Registry struct {
	mu          sync.Mutex
	topics      map[string]map[string]*Subscription
	store       store.Store
	sendTimeout time.Duration
	logger      *slog.Logger
}

type RegistryOption func(*Registry)

// WithSendTimeout bounds how long Broadcast waits on one subscriber whose
// buffer is full before dropping it.
func WithSendTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.sendTimeout = d
	}
}

func NewRegistry(s store.Store, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		topics:      make(map[string]map[string]*Subscription),
		store:       s,
		sendTimeout: defaultSendTimeout,
		logger:      logger.With("module", "broadcast_registry"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Subscribe registers a push channel for an execution. When the store
// already holds activity for the execution, the current snapshot is
// delivered as the first frame so a late subscriber is not stuck waiting
// for the next delta.
func (r *Registry) Subscribe(ctx context.Context, executionID string) (*Subscription, error) {
	record, err := r.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		frames:      make(chan events.Frame, subscriberBufferSize),
	}

	if record.State != models.ExecutionStateUnknown || len(record.Tasks) > 0 {
		sub.frames <- events.SnapshotFrame(record)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	topic, ok := r.topics[executionID]
	if !ok {
		topic = make(map[string]*Subscription)
		r.topics[executionID] = topic
	}

	topic[sub.ID] = sub

	r.logger.Debug("Subscriber registered",
		"execution_id", executionID,
		"subscriber_id", sub.ID,
		"subscriber_count", len(topic))

	return sub, nil
}

// Unsubscribe removes a subscription and closes its frame channel. Calling
// it for an already dropped subscription is a no-op.
func (r *Registry) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.remove(sub)
}

// remove must be called with r.mu held.
func (r *Registry) remove(sub *Subscription) {
	topic, ok := r.topics[sub.ExecutionID]
	if !ok {
		return
	}

	if _, ok := topic[sub.ID]; !ok {
		return
	}

	delete(topic, sub.ID)
	close(sub.frames)

	if len(topic) == 0 {
		delete(r.topics, sub.ExecutionID)
	}
}

// Broadcast delivers a frame to every current subscriber of the execution.
// Each send is independent and bounded by the send timeout; subscribers
// that cannot accept in time are dropped so one stalled connection never
// delays the rest. Within one execution, frames reach each surviving
// subscriber in Broadcast call order.
func (r *Registry) Broadcast(executionID string, frame events.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topic, ok := r.topics[executionID]
	if !ok {
		return
	}

	var timer *time.Timer

	for _, sub := range topic {
		select {
		case sub.frames <- frame:
			continue
		default:
		}

		// Buffer full: give the subscriber one bounded chance to drain.
		if timer == nil {
			timer = time.NewTimer(r.sendTimeout)
		} else {
			timer.Reset(r.sendTimeout)
		}

		select {
		case sub.frames <- frame:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			r.logger.Warn("Dropping slow subscriber",
				"execution_id", executionID,
				"subscriber_id", sub.ID)
			r.remove(sub)
		}
	}
}

// SubscriberCount reports how many live subscribers the execution has.
func (r *Registry) SubscriberCount(executionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.topics[executionID])
}
