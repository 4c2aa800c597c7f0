package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dukex/agentrun/pkg/cmd"
	"github.com/dukex/agentrun/pkg/config"
	"github.com/dukex/agentrun/pkg/coordinator"
	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/hitl"
	"github.com/dukex/agentrun/pkg/log"
	"github.com/dukex/agentrun/pkg/otelhelper"
	"github.com/dukex/agentrun/pkg/services"
	"github.com/dukex/agentrun/pkg/statemachine"
	"github.com/dukex/agentrun/pkg/store"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	cmd := &cli.Command{
		Name:                  "agentrun-api",
		Usage:                 "Plan, run and review agentic media workflows",
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
				Name:    "database-url",
				Usage:   "Persistence URL (file://<dir> or postgres://...); runs stay in memory when empty",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "guardrails-config",
				Usage:   "Path to the guardrail and review policy YAML file",
				Sources: cli.EnvVars("GUARDRAILS_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for stream tokens; tokens stay in memory when empty",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "capability-url",
				Usage:   "Base URL of the remote analyze/plan/execute service; local capabilities when empty",
				Sources: cli.EnvVars("CAPABILITY_URL"),
			},
			&cli.StringFlag{
				Name:    "executor-stream-url",
				Usage:   "Base URL of an executor push channel to follow for every started run",
				Sources: cli.EnvVars("EXECUTOR_STREAM_URL"),
			},
			&cli.DurationFlag{
				Name:    "stream-token-ttl",
				Usage:   "Lifetime of an issued stream token",
				Value:   stream.DefaultTokenTTL,
				Sources: cli.EnvVars("STREAM_TOKEN_TTL"),
			},
			&cli.DurationFlag{
				Name:    "cache-ttl",
				Usage:   "How long successful capability results are reused",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("CACHE_TTL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
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

			logger.InfoContext(ctx, "Initializing agentrun API")

			if command.Bool("tracing") {
				tp, err := otelhelper.NewTracerProvider(ctx, "agentrun-api")
				if err != nil {
					return fmt.Errorf("failed to start tracing: %w", err)
				}

				defer func() {
					if err := tp.Shutdown(context.Background()); err != nil {
						logger.ErrorContext(ctx, "Failed to shut down tracer provider", "error", err)
					}
				}()
			}

			policy, err := config.LoadPolicyOrDefault(command.String("guardrails-config"))
			if err != nil {
				return fmt.Errorf("failed to load policy: %w", err)
			}

			metrics := prometheus.NewRegistry()
			metrics.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			coord := coordinator.New(logger, coordinator.Config{
				TTL:        command.Duration("cache-ttl"),
				Registerer: metrics,
			})
			if err := coord.Start(); err != nil {
				return fmt.Errorf("failed to start coordinator: %w", err)
			}
			defer coord.Close()

			var storeOptions []store.Option

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to open persistence: %w", err)
			}

			if persistence != nil {
				storeOptions = append(storeOptions, store.WithPersistence(persistence))

				defer func() {
					if err := persistence.Close(ctx); err != nil {
						logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
					}
				}()
			}

			st := store.New(logger, storeOptions...)
			if err := st.Load(ctx); err != nil {
				return err
			}

			engine := guardrails.NewEngine(policy.Guardrails)
			capabilities := cmd.NewCapabilities(logger, st, coord, command.String("capability-url"))

			machine, err := statemachine.New(logger, capabilities, engine, hitl.NewPolicy(policy.HITL), statemachine.WithUsage(st))
			if err != nil {
				return fmt.Errorf("failed to build state machine: %w", err)
			}

			tokens, closeTokens := cmd.NewTokenStore(command.String("redis-url"), logger)
			defer closeTokens()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			options := []services.Option{
				services.WithEventBus(eventBus),
				services.WithCoordinator(coord),
				services.WithTokenStore(tokens, command.Duration("stream-token-ttl")),
			}

			if upstream := command.String("executor-stream-url"); upstream != "" {
				manager := stream.NewManager(
					logger,
					&stream.SSEDialer{BaseURL: upstream},
					&stream.HTTPTokenIssuer{BaseURL: upstream},
					stream.Config{Metrics: stream.NewMetrics(metrics)},
				)
				defer manager.Close()

				options = append(options, services.WithUpstream(manager))
			}

			orchestrator := services.NewOrchestrator(logger, st, machine, engine, options...)

			hub := stream.NewHub(logger)
			if err := services.RelayToHub(eventBus, hub); err != nil {
				return fmt.Errorf("failed to relay run events: %w", err)
			}

			if err := eventBus.Subscribe(ctx); err != nil {
				return fmt.Errorf("failed to subscribe to event bus: %w", err)
			}

			api := NewAPI(logger, orchestrator, hub, metrics)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
