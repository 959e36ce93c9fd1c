// Package main provides the redloop API server.
package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redloop/redloop/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9090

const defaultRetention = 24 * time.Hour

func main() {
	// A missing .env file is the normal case outside development.
	_ = godotenv.Load()

	logger := log.WithModule("api")

	cmd := &cli.Command{
		Name:                  "redloop-api",
		Usage:                 "Ingest and broadcast security scan execution status",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "store-url",
				Usage:   "Execution store URL (memory:// or redis://...)",
				Value:   "memory://",
				Sources: cli.EnvVars("STORE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kestra-url",
				Usage:   "Base URL of the Kestra engine; engine routes are disabled when empty",
				Sources: cli.EnvVars("KESTRA_URL"),
			},
			&cli.StringFlag{
				Name:    "kestra-namespace",
				Usage:   "Namespace of the scan pipeline flow",
				Value:   "redloop",
				Sources: cli.EnvVars("KESTRA_NAMESPACE"),
			},
			&cli.StringFlag{
				Name:    "kestra-flow",
				Usage:   "Flow ID of the scan pipeline",
				Value:   "security-scan",
				Sources: cli.EnvVars("KESTRA_FLOW_ID"),
			},
			&cli.StringFlag{
				Name:    "kestra-webhook-key",
				Usage:   "Webhook trigger key of the scan pipeline flow",
				Sources: cli.EnvVars("KESTRA_WEBHOOK_KEY"),
			},
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "How long completed executions stay in the store (0 disables eviction)",
				Value:   defaultRetention,
				Sources: cli.EnvVars("EXECUTION_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule for the retention sweep",
				Value:   "@every 10m",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OTLP trace export",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing redloop API")

			api, err := NewAPI(ctx, logger, Config{
				StoreURL:         command.String("store-url"),
				EventBus:         command.String("event-bus"),
				KestraURL:        command.String("kestra-url"),
				KestraNamespace:  command.String("kestra-namespace"),
				KestraFlowID:     command.String("kestra-flow"),
				KestraWebhookKey: command.String("kestra-webhook-key"),
				Retention:        command.Duration("retention"),
				SweepSchedule:    command.String("sweep-schedule"),
				Tracing:          command.Bool("tracing"),
			})
			if err != nil {
				return err
			}

			defer api.Close(ctx)

			return api.Start(ctx, command.Int("port"))
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
