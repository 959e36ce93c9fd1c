package web

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/redloop/redloop/pkg/broadcast"
	"github.com/redloop/redloop/pkg/events"
	"github.com/redloop/redloop/pkg/ingest"
	"github.com/redloop/redloop/pkg/kestra"
	"github.com/redloop/redloop/pkg/store"
	"github.com/redloop/redloop/pkg/stream"
)

const pingInterval = 15 * time.Second

const defaultLogLimit = 100

type Handlers struct {
	store    store.Store
	ingestor *ingest.Ingestor
	registry *broadcast.Registry
	poller   *stream.Poller
	follower *stream.Follower
	engine   *kestra.Client
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandlers wires the HTTP surface. The engine client may be nil when no
// engine endpoint is configured; engine routes then answer 502.
func NewHandlers(
	s store.Store,
	ingestor *ingest.Ingestor,
	registry *broadcast.Registry,
	poller *stream.Poller,
	follower *stream.Follower,
	engine *kestra.Client,
	validate *validator.Validate,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		store:    s,
		ingestor: ingestor,
		registry: registry,
		poller:   poller,
		follower: follower,
		engine:   engine,
		validate: validate,
		logger:   logger.With("module", "web"),
	}
}

// PostTaskEvent ingests a per-task webhook from the engine.
func (h *Handlers) PostTaskEvent(c fiber.Ctx) error {
	receipt, err := h.ingestor.IngestTaskEvent(c.Context(), c.Body())
	if err != nil {
		return badRequest(c, err.Error())
	}

	return c.JSON(receipt)
}

// PostExecutionEvent ingests a run-level state webhook from the engine.
func (h *Handlers) PostExecutionEvent(c fiber.Ctx) error {
	receipt, err := h.ingestor.IngestExecutionEvent(c.Context(), c.Body())
	if err != nil {
		return badRequest(c, err.Error())
	}

	return c.JSON(receipt)
}

// GetExecution returns the current record for an execution. Unknown IDs
// yield a placeholder record rather than a 404, so viewers that race the
// first webhook still get a stable answer.
func (h *Handlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	record, err := h.store.Get(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(record)
}

// StreamExecution serves the poll-driven SSE stream backed by the store.
func (h *Handlers) StreamExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	return h.streamFrames(c, h.poller.Stream(c.Context(), id))
}

// FollowExecution proxies the engine's native follow stream through the
// store and out as SSE.
func (h *Handlers) FollowExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if h.follower == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	return h.streamFrames(c, h.follower.Stream(c.Context(), id))
}

// LiveExecution serves the push-driven SSE stream. The subscriber gets a
// snapshot first when the execution already has activity, then deltas as
// they are broadcast. The stream stays open until the client disconnects
// or the subscriber is dropped for not keeping up.
func (h *Handlers) LiveExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	sub, err := h.registry.Subscribe(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	sseHeaders(c)

	registry := h.registry
	logger := h.logger

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer registry.Unsubscribe(sub)

		if err := writeFrame(w, events.Frame{Type: events.FrameConnected, ExecutionID: id}); err != nil {
			return
		}

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			select {
			case frame, ok := <-sub.Frames():
				if !ok {
					// Dropped by the registry for falling behind.
					return
				}

				if err := writeFrame(w, frame); err != nil {
					logger.Debug("Live viewer disconnected", "execution_id", id, "error", err)

					return
				}
			case <-ping.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}

				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
}

// CreateScan launches a pipeline run on the engine.
func (h *Handlers) CreateScan(c fiber.Ctx) error {
	if h.engine == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	var req ScanRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.Trigger(c.Context(), req.RepositoryURL, req.Branch)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(ScanResponse{
		ExecutionID: result.ExecutionID,
		State:       result.State,
		Namespace:   result.Namespace,
		FlowID:      result.FlowID,
	})
}

// GetEngineExecution queries the engine directly, bypassing the store.
func (h *Handlers) GetEngineExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if h.engine == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	status, err := h.engine.ExecutionStatus(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(status)
}

// GetExecutionLogs fetches the engine's log lines for an execution.
func (h *Handlers) GetExecutionLogs(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if h.engine == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	limit := defaultLogLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			return badRequest(c, "limit must be a positive integer")
		}

		limit = parsed
	}

	logs, err := h.engine.ExecutionLogs(c.Context(), id, limit)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"execution_id": id, "logs": logs})
}

// GetExecutionFiles lists the artifacts an execution produced.
func (h *Handlers) GetExecutionFiles(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if h.engine == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	files, err := h.engine.OutputFiles(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"execution_id": id, "files": files})
}

// DownloadExecutionFile streams one output file through to the client.
func (h *Handlers) DownloadExecutionFile(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	path := c.Query("path")
	if path == "" {
		return badRequest(c, "path query parameter is required")
	}

	if h.engine == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	body, err := h.engine.DownloadFile(c.Context(), id, path)
	if err != nil {
		return handleEngineError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)

	return c.SendStream(body)
}

// GetExecutionMetrics returns per-task timing data from the engine.
func (h *Handlers) GetExecutionMetrics(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if h.engine == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	metrics, err := h.engine.Metrics(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{"execution_id": id, "metrics": metrics})
}

// KillExecution asks the engine to stop a running execution.
func (h *Handlers) KillExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if h.engine == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	if err := h.engine.Kill(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ReplayExecution re-runs an execution from the beginning under a new ID.
func (h *Handlers) ReplayExecution(c fiber.Ctx) error {
	return h.control(c, "replayed", func(c fiber.Ctx, id string) (string, error) {
		return h.engine.Replay(c.Context(), id)
	})
}

// RestartExecution resumes a failed execution from its failed task.
func (h *Handlers) RestartExecution(c fiber.Ctx) error {
	return h.control(c, "restarted", func(c fiber.Ctx, id string) (string, error) {
		return h.engine.Restart(c.Context(), id)
	})
}

func (h *Handlers) control(c fiber.Ctx, status string, op func(fiber.Ctx, string) (string, error)) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if h.engine == nil {
		return engineUnavailable(c, "engine endpoint is not configured")
	}

	newID, err := op(c, id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(ControlResponse{ExecutionID: newID, Status: status})
}

func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	storeErr := h.store.HealthCheck(c.Context())

	var engineErr error
	if h.engine != nil {
		engineErr = h.engine.Health(c.Context())
	}

	status := "healthy"
	httpStatus := http.StatusOK

	if storeErr != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	checkers := fiber.Map{
		"store": checkResult(storeErr),
	}
	if h.engine != nil {
		// A down engine degrades the service but intake and viewing keep
		// working from the store.
		checkers["engine"] = checkResult(engineErr)
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"checkers":  checkers,
		"timestamp": time.Now().UTC(),
	})
}

func checkResult(err error) string {
	if err != nil {
		return err.Error()
	}

	return "ok"
}

// streamFrames drains a frame channel into an SSE response. The producer
// owns the channel and closes it after its terminal frame; a write failure
// means the viewer went away and the request context cancellation stops
// the producer.
func (h *Handlers) streamFrames(c fiber.Ctx, frames <-chan events.Frame) error {
	sseHeaders(c)

	logger := h.logger

	return c.SendStreamWriter(func(w *bufio.Writer) {
		for frame := range frames {
			if err := writeFrame(w, frame); err != nil {
				logger.Debug("Stream viewer disconnected", "error", err)

				return
			}
		}
	})
}

func sseHeaders(c fiber.Ctx) {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
}

func writeFrame(w *bufio.Writer, frame events.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data); err != nil {
		return err
	}

	return w.Flush()
}
