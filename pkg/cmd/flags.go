package cmd

import (
	"context"
	"time"

	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// Flags concatenates flag groups.
func Flags(groups ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, group := range groups {
		flags = append(flags, group...)
	}

	return flags
}

func LogFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// RuntimeFlags are read by NewRuntime.
func RuntimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL (memory:// or postgres://...)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "query-database-url",
			Usage:   "Read-only connection URL for workflow queries (defaults to --database-url)",
			Sources: cli.EnvVars("QUERY_DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "queue-url",
			Usage:   "Job queue URL (memory://, memory+watermill://, redis://..., kafka://...)",
			Value:   "memory://",
			Sources: cli.EnvVars("QUEUE_URL"),
		},
		&cli.DurationFlag{
			Name:    "node-timeout",
			Usage:   "Timeout of one node job attempt",
			Value:   workflow.DefaultNodeTimeout,
			Sources: cli.EnvVars("NODE_TIMEOUT"),
		},
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
	}
}

func PortFlag(value int) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "HTTP port",
			Value:   value,
			Sources: cli.EnvVars("PORT"),
		},
	}
}

func MetricsPortFlag(value int) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "metrics-port",
			Usage:   "Port serving /metrics, /livez and /readyz (0 disables it)",
			Value:   value,
			Sources: cli.EnvVars("METRICS_PORT"),
		},
	}
}

func APIFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "workflows-dir",
			Usage:   "Directory of YAML workflow definitions imported at startup",
			Sources: cli.EnvVars("WORKFLOWS_DIR"),
		},
	}
}

func WorkerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "webhook-concurrency", Value: 5, Usage: "Concurrent webhook jobs", Sources: cli.EnvVars("WEBHOOK_CONCURRENCY")},
		&cli.IntFlag{Name: "agent-concurrency", Value: 5, Usage: "Concurrent agent requests", Sources: cli.EnvVars("AGENT_CONCURRENCY")},
		&cli.IntFlag{Name: "response-concurrency", Value: 10, Usage: "Concurrent agent responses", Sources: cli.EnvVars("RESPONSE_CONCURRENCY")},
		&cli.IntFlag{Name: "outbound-concurrency", Value: 10, Usage: "Concurrent outbound sends", Sources: cli.EnvVars("OUTBOUND_CONCURRENCY")},
		&cli.IntFlag{Name: "delivery-concurrency", Value: 5, Usage: "Concurrent webhook deliveries", Sources: cli.EnvVars("DELIVERY_CONCURRENCY")},
		&cli.IntFlag{Name: "engine-concurrency", Value: workflow.DefaultConcurrency, Usage: "Concurrent node events applied by the engine", Sources: cli.EnvVars("ENGINE_CONCURRENCY")},
		&cli.StringFlag{
			Name:    "agent-url",
			Usage:   "Base URL of the agent service",
			Sources: cli.EnvVars("AGENT_SERVICE_URL"),
		},
	}
}

func SchedulerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:    "tick-interval",
			Usage:   "Interval between scans for due schedules",
			Value:   time.Minute,
			Sources: cli.EnvVars("TICK_INTERVAL"),
		},
	}
}

// SetupLogging is a cli.BeforeFunc installing the logger selected by LogFlags
// into the default slog logger and the command context.
func SetupLogging(ctx context.Context, command *cli.Command) (context.Context, error) {
	logger := log.Setup(command.String("log-level"), command.String("log-format"))

	return log.IntoContext(ctx, logger), nil
}
