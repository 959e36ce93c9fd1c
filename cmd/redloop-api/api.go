package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/redloop/redloop/pkg/broadcast"
	"github.com/redloop/redloop/pkg/cmd"
	"github.com/redloop/redloop/pkg/eventbus"
	"github.com/redloop/redloop/pkg/ingest"
	"github.com/redloop/redloop/pkg/kestra"
	"github.com/redloop/redloop/pkg/otelhelper"
	"github.com/redloop/redloop/pkg/store"
	"github.com/redloop/redloop/pkg/stream"
	"github.com/redloop/redloop/pkg/web"
	"go.opentelemetry.io/otel/trace/noop"
)

type Config struct {
	StoreURL         string
	EventBus         string
	KestraURL        string
	KestraNamespace  string
	KestraFlowID     string
	KestraWebhookKey string
	Retention        time.Duration
	SweepSchedule    string
	Tracing          bool
}

type API struct {
	logger   *slog.Logger
	store    store.Store
	bus      eventbus.EventBus
	sweeper  *store.Sweeper
	handlers *web.Handlers
}

// NewAPI builds the full service: store, event bus, broadcast pipeline,
// ingestor, stream adapters, the optional engine client, and the retention
// sweeper.
func NewAPI(ctx context.Context, apiLogger *slog.Logger, cfg Config) (*API, error) {
	s := cmd.NewStore(cfg.StoreURL, apiLogger)
	bus := cmd.NewEventBus(cfg.EventBus, apiLogger)

	registry := broadcast.NewRegistry(s, apiLogger)
	distributor := broadcast.NewDistributor(bus, registry, apiLogger)

	if err := distributor.Start(ctx); err != nil {
		return nil, err
	}

	tracer := noop.NewTracerProvider().Tracer("redloop-api")

	if cfg.Tracing {
		t, err := otelhelper.NewTracer(ctx, "redloop-api")
		if err != nil {
			return nil, err
		}

		tracer = t
	}

	ingestor := ingest.NewIngestor(s, bus, tracer, apiLogger)
	poller := stream.NewPoller(s, apiLogger)

	var engine *kestra.Client

	var follower *stream.Follower

	if cfg.KestraURL != "" {
		engine = kestra.NewClient(kestra.Config{
			BaseURL:    cfg.KestraURL,
			Namespace:  cfg.KestraNamespace,
			FlowID:     cfg.KestraFlowID,
			WebhookKey: cfg.KestraWebhookKey,
		}, apiLogger)
		follower = stream.NewFollower(engine, s, apiLogger)
	}

	sweeper := store.NewSweeper(s, cfg.Retention, apiLogger)
	if err := sweeper.Start(ctx, cfg.SweepSchedule); err != nil {
		return nil, err
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	handlers := web.NewHandlers(s, ingestor, registry, poller, follower, engine, validate, apiLogger)

	return &API{
		logger:   apiLogger,
		store:    s,
		bus:      bus,
		sweeper:  sweeper,
		handlers: handlers,
	}, nil
}

func (a *API) App() *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("redloop API")
	})

	app.Post("/webhooks/task-update", a.handlers.PostTaskEvent)
	app.Post("/webhooks/execution-update", a.handlers.PostExecutionEvent)
	app.Post("/scans", a.handlers.CreateScan)

	e := app.Group("/executions")
	e.Get("/:id", a.handlers.GetExecution)
	e.Get("/:id/stream", a.handlers.StreamExecution)
	e.Get("/:id/live", a.handlers.LiveExecution)
	e.Get("/:id/follow", a.handlers.FollowExecution)
	e.Get("/:id/engine", a.handlers.GetEngineExecution)
	e.Get("/:id/logs", a.handlers.GetExecutionLogs)
	e.Get("/:id/files", a.handlers.GetExecutionFiles)
	e.Get("/:id/files/download", a.handlers.DownloadExecutionFile)
	e.Get("/:id/metrics", a.handlers.GetExecutionMetrics)
	e.Delete("/:id", a.handlers.KillExecution)
	e.Post("/:id/replay", a.handlers.ReplayExecution)
	e.Post("/:id/restart", a.handlers.RestartExecution)

	app.Get("/health", a.handlers.HealthCheck)

	return app
}

func (a *API) Start(ctx context.Context, port int) error {
	a.logger.InfoContext(ctx, "Starting API server", "port", port)

	return a.App().Listen(":" + strconv.Itoa(port))
}

func (a *API) Close(ctx context.Context) {
	a.sweeper.Stop()

	if err := a.bus.Close(); err != nil {
		a.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	if err := a.store.Close(ctx); err != nil {
		a.logger.ErrorContext(ctx, "Failed to close store", "error", err)
	}
}
