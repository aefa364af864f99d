// evstored serves the voicecore event store over HTTP.
//
// Configuration is environment driven:
//
//	ADDR               listen address (default :8080)
//	LOG_LEVEL          debug|info|warn|error (default info)
//	BACKEND            memory|postgres (default memory)
//	DATABASE_URL       required for BACKEND=postgres
//	NATS_URL           enables the JetStream bus publisher when set
//	SNAPSHOT_THRESHOLD snapshot every N events per aggregate (default 100)
//	PROJECTOR_WORKERS  projection goroutines (default 4)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xpload/voicecore-events-go/adapters/api"
	"github.com/xpload/voicecore-events-go/adapters/nats"
	"github.com/xpload/voicecore-events-go/adapters/postgres"
	promadapter "github.com/xpload/voicecore-events-go/adapters/prometheus"
	"github.com/xpload/voicecore-events-go/core/es"
)

var (
	addr              = getEnv("ADDR", ":8080")
	logLevel          = getEnv("LOG_LEVEL", "info")
	backendType       = getEnv("BACKEND", "memory")
	databaseURL       = getEnv("DATABASE_URL", "")
	natsURL           = getEnv("NATS_URL", "")
	snapshotThreshold = getEnvInt("SNAPSHOT_THRESHOLD", 100)
	projectorWorkers  = getEnvInt("PROJECTOR_WORKERS", 4)
)

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("evstored failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	registry, err := buildRegistry()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	var (
		store       es.EventStore
		snapshots   es.SnapshotStore
		models      es.ReadModelStore
		deadLetters es.DeadLetterStore
	)
	switch backendType {
	case "postgres":
		if databaseURL == "" {
			return fmt.Errorf("BACKEND=postgres requires DATABASE_URL")
		}
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = postgres.NewStore(pool, postgres.WithLogger(log))
		snapshots = postgres.NewSnapshotStore(pool)
		models = postgres.NewReadModelStore(pool)
		deadLetters = postgres.NewDeadLetterStore(pool)
	case "memory":
		memStore := es.NewInMemoryStore()
		defer memStore.Close()
		store = memStore
		snapshots = es.NewInMemorySnapshotStore()
		models = es.NewInMemoryReadModelStore()
		deadLetters = es.NewInMemoryDeadLetterStore()
	default:
		return fmt.Errorf("unknown BACKEND %q", backendType)
	}

	var publisher es.EventPublisher = es.NopPublisher{}
	if natsURL != "" {
		busPublisher, err := nats.NewPublisher(nats.PublisherConfig{
			Connect: nats.ConnectURL(natsURL),
			Log:     log,
		})
		if err != nil {
			return fmt.Errorf("connect event bus: %w", err)
		}
		defer busPublisher.Close()
		publisher = busPublisher
	}

	promRegistry := prom.NewRegistry()
	metrics := promadapter.NewESMetrics(promRegistry)

	replayer, err := es.NewReplayer(es.ReplayerConfig{
		Log:               log,
		Store:             store,
		Registry:          registry,
		Snapshots:         snapshots,
		SnapshotThreshold: snapshotThreshold,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("build replayer: %w", err)
	}

	projector, err := es.NewProjector(es.ProjectorConfig{
		Log:         log,
		Models:      models,
		Store:       store,
		DeadLetters: deadLetters,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("build projector: %w", err)
	}

	pool, err := es.NewProjectorPool(es.PoolConfig{
		Log:       log,
		Projector: projector,
		Bindings:  []es.Binding{callSummaryBinding()},
		Workers:   projectorWorkers,
	})
	if err != nil {
		return fmt.Errorf("build projector pool: %w", err)
	}

	svc, err := es.NewService(es.ServiceConfig{
		Log:               log,
		Store:             store,
		Registry:          registry,
		Replayer:          replayer,
		Projector:         projector,
		Pool:              pool,
		Models:            models,
		DeadLetters:       deadLetters,
		Publisher:         publisher,
		SnapshotThreshold: snapshotThreshold,
		Metrics:           metrics,
	})
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("service close", slog.Any("error", err))
		}
	}()

	srv, err := api.NewServer(api.Config{
		Addr:    addr,
		Log:     log,
		Metrics: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	}, svc)
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}

	log.Info("starting evstored",
		slog.String("backend", backendType),
		slog.Bool("bus", natsURL != ""),
	)
	return srv.Start(ctx)
}

// === Domain ===

type callState struct {
	Status          string `json:"status"`
	Caller          string `json:"caller"`
	Callee          string `json:"callee"`
	DurationSeconds int    `json:"duration_seconds"`
}

type callStartedPayload struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

type callEndedPayload struct {
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason,omitempty"`
}

func buildRegistry() (*es.Registry, error) {
	b := es.NewRegistryBuilder()
	b.Aggregate("Call", func() any { return &callState{} }).
		Event("CallStarted", es.StrictSchema[callStartedPayload](), func(state any, ev es.Event) (any, error) {
			s := state.(*callState)
			var p callStartedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, err
			}
			s.Status = "active"
			s.Caller = p.Caller
			s.Callee = p.Callee
			return s, nil
		}).
		Event("CallEnded", es.StrictSchema[callEndedPayload](), func(state any, ev es.Event) (any, error) {
			s := state.(*callState)
			var p callEndedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, err
			}
			s.Status = "ended"
			s.DurationSeconds += p.DurationSeconds
			return s, nil
		})
	return b.Build()
}

// callSummaryBinding maintains one call_summary read model per call
// aggregate.
func callSummaryBinding() es.Binding {
	type summary struct {
		AggregateID  string `json:"aggregate_id"`
		Status       string `json:"status"`
		Caller       string `json:"caller"`
		Callee       string `json:"callee"`
		TotalSeconds int    `json:"total_seconds"`
	}

	return es.Binding{
		ModelType: "call_summary",
		KeyFn: func(ev es.Event) (string, bool) {
			if ev.AggregateType != "Call" {
				return "", false
			}
			return ev.AggregateID, true
		},
		Fn: func(current []byte, ev es.Event) ([]byte, error) {
			var s summary
			if len(current) > 0 {
				if err := json.Unmarshal(current, &s); err != nil {
					return nil, err
				}
			}
			s.AggregateID = ev.AggregateID
			switch ev.EventType {
			case "CallStarted":
				var p callStartedPayload
				if err := json.Unmarshal(ev.Payload, &p); err != nil {
					return nil, err
				}
				s.Status = "active"
				s.Caller = p.Caller
				s.Callee = p.Callee
			case "CallEnded":
				var p callEndedPayload
				if err := json.Unmarshal(ev.Payload, &p); err != nil {
					return nil, err
				}
				s.Status = "ended"
				s.TotalSeconds += p.DurationSeconds
			}
			return json.Marshal(s)
		},
	}
}
