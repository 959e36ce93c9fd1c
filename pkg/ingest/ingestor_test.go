package ingest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/redloop/redloop/pkg/eventbus"
	"github.com/redloop/redloop/pkg/events"
	"github.com/redloop/redloop/pkg/ingest"
	"github.com/redloop/redloop/pkg/log"
	"github.com/redloop/redloop/pkg/models"
	"github.com/redloop/redloop/pkg/store"
	"github.com/redloop/redloop/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureBus records published events without delivering them anywhere.
type captureBus struct {
	published []eventbus.Event
	fail      bool
}

func (b *captureBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	if b.fail {
		return errors.New("bus unavailable")
	}

	b.published = append(b.published, event)

	return nil
}

func (b *captureBus) Handle(events.EventType, eventbus.EventHandler) error { return nil }
func (b *captureBus) Subscribe(context.Context) error                      { return nil }
func (b *captureBus) Close() error                                        { return nil }
func (b *captureBus) GenerateID() string                                  { return "test-id" }

// failingStore rejects every mutation.
type failingStore struct {
	store.Store
}

func (f *failingStore) ApplyTaskUpdate(context.Context, string, store.TaskUpdate) (*models.ExecutionRecord, error) {
	return nil, errors.New("backend down")
}

func (f *failingStore) ApplyExecutionState(context.Context, string, models.ExecutionState, string) (*models.ExecutionRecord, error) {
	return nil, errors.New("backend down")
}

func setupIngestor(t *testing.T) (*ingest.Ingestor, *memory.Store, *captureBus) {
	t.Helper()

	s := memory.NewStore(log.WithModule("test"))
	bus := &captureBus{}
	tracer := noop.NewTracerProvider().Tracer("test")

	return ingest.NewIngestor(s, bus, tracer, log.WithModule("test")), s, bus
}

func TestIngestor_IngestTaskEvent(t *testing.T) {
	t.Parallel()

	ingestor, s, bus := setupIngestor(t)
	ctx := context.Background()

	payload := []byte(`{
		"execution_id": "exec-1",
		"task_id": "clone_repository",
		"status": "SUCCESS",
		"message": "cloned",
		"data": {"path": "/tmp/repo"},
		"some_future_field": true
	}`)

	receipt, err := ingestor.IngestTaskEvent(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, "received", receipt.Status)
	assert.Equal(t, "clone_repository", receipt.TaskID)

	record, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateRunning, record.State)
	assert.Equal(t, "SUCCESS", record.Tasks["clone_repository"].Status)
	assert.Contains(t, record.Outputs, "clone_repository")

	require.Len(t, bus.published, 1)
	taskEvent, ok := bus.published[0].(*events.TaskUpdated)
	require.True(t, ok)
	assert.Equal(t, "clone_repository", taskEvent.TaskID)
	assert.Equal(t, "exec-1", taskEvent.ExecutionID)
	assert.NotEmpty(t, taskEvent.ID)
	assert.WithinDuration(t, time.Now().UTC(), taskEvent.Timestamp, time.Minute)
}

func TestIngestor_TerminalTaskPromotesExecution(t *testing.T) {
	t.Parallel()

	ingestor, s, _ := setupIngestor(t)
	ctx := context.Background()

	_, err := ingestor.IngestTaskEvent(ctx, []byte(`{"execution_id":"e1","task_id":"clone_repository","status":"SUCCESS"}`))
	require.NoError(t, err)

	record, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateRunning, record.State)

	_, err = ingestor.IngestTaskEvent(ctx, []byte(`{"execution_id":"e1","task_id":"complete","status":"SUCCESS"}`))
	require.NoError(t, err)

	record, err = s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateSuccess, record.State)
}

func TestIngestor_IngestTaskEventValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{"missing task_id", `{"execution_id": "exec-1", "status": "RUNNING"}`},
		{"missing execution_id", `{"task_id": "scan", "status": "RUNNING"}`},
		{"empty execution_id", `{"execution_id": "", "task_id": "scan"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ingestor, s, bus := setupIngestor(t)

			receipt, err := ingestor.IngestTaskEvent(context.Background(), []byte(tt.payload))
			require.Error(t, err)
			assert.True(t, ingest.IsValidationError(err))
			assert.Nil(t, receipt)
			assert.Empty(t, bus.published)

			// A rejected event must not create store state.
			record, err := s.Get(context.Background(), "exec-1")
			require.NoError(t, err)
			assert.Equal(t, models.ExecutionStateUnknown, record.State)
			assert.Empty(t, record.Tasks)
		})
	}
}

func TestIngestor_MalformedPayload(t *testing.T) {
	t.Parallel()

	ingestor, _, _ := setupIngestor(t)

	_, err := ingestor.IngestTaskEvent(context.Background(), []byte(`{not json`))
	require.ErrorIs(t, err, ingest.ErrMalformedPayload)
	assert.True(t, ingest.IsValidationError(err))

	_, err = ingestor.IngestExecutionEvent(context.Background(), []byte(`[1,2,3]`))
	require.ErrorIs(t, err, ingest.ErrMalformedPayload)
}

func TestIngestor_IngestExecutionEvent(t *testing.T) {
	t.Parallel()

	ingestor, s, bus := setupIngestor(t)
	ctx := context.Background()

	receipt, err := ingestor.IngestExecutionEvent(ctx, []byte(`{"execution_id":"exec-1","state":"SUCCESS","message":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, "received", receipt.Status)
	assert.Equal(t, "SUCCESS", receipt.State)

	record, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStateSuccess, record.State)

	require.Len(t, bus.published, 1)
	stateEvent, ok := bus.published[0].(*events.StateUpdated)
	require.True(t, ok)
	assert.Equal(t, models.ExecutionStateSuccess, stateEvent.State)
}

func TestIngestor_InternalErrorsAreMasked(t *testing.T) {
	t.Parallel()

	bus := &captureBus{}
	tracer := noop.NewTracerProvider().Tracer("test")
	ingestor := ingest.NewIngestor(&failingStore{}, bus, tracer, log.WithModule("test"))

	receipt, err := ingestor.IngestTaskEvent(context.Background(), []byte(`{"execution_id":"e1","task_id":"scan"}`))
	require.NoError(t, err)
	assert.Equal(t, "error", receipt.Status)
	assert.Equal(t, "scan", receipt.TaskID)
	assert.Empty(t, bus.published)

	execReceipt, err := ingestor.IngestExecutionEvent(context.Background(), []byte(`{"execution_id":"e1","state":"RUNNING"}`))
	require.NoError(t, err)
	assert.Equal(t, "error", execReceipt.Status)
}

func TestIngestor_PublishFailureDoesNotFailIngestion(t *testing.T) {
	t.Parallel()

	s := memory.NewStore(log.WithModule("test"))
	bus := &captureBus{fail: true}
	tracer := noop.NewTracerProvider().Tracer("test")
	ingestor := ingest.NewIngestor(s, bus, tracer, log.WithModule("test"))

	receipt, err := ingestor.IngestTaskEvent(context.Background(), []byte(`{"execution_id":"e1","task_id":"scan","status":"RUNNING"}`))
	require.NoError(t, err)
	assert.Equal(t, "received", receipt.Status)

	// The store mutation still happened even though fan-out failed.
	record, err := s.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", record.Tasks["scan"].Status)
}
