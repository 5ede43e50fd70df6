// Package main provides the kpiflow KPI ingestion and job orchestration service.
//
// The binary wires the HTTP ingestion surface, the job monitor, and the stage
// handoff producer over one shared key-value store, then blocks until a
// shutdown signal arrives.
package main

import (
	"flag"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kpiflow-io/kpiflow/internal/aliasing"
	"github.com/kpiflow-io/kpiflow/internal/api"
	"github.com/kpiflow-io/kpiflow/internal/api/middleware"
	"github.com/kpiflow-io/kpiflow/internal/config"
	"github.com/kpiflow-io/kpiflow/internal/handoff"
	"github.com/kpiflow-io/kpiflow/internal/ingestion"
	"github.com/kpiflow-io/kpiflow/internal/monitor"
	"github.com/kpiflow-io/kpiflow/internal/storage"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "kpiflow"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting kpiflow service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	kv, closers, err := openBackend(logger)
	if err != nil {
		logger.Error("Failed to open storage backend", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Closure so later-acquired resources (kafka producer) join the sweep.
	defer func() { closeAll(logger, closers) }()

	store, err := storage.NewStore(kv, storage.WithStoreLogger(logger))
	if err != nil {
		logger.Error("Failed to create store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Stage handoff: Kafka when brokers are configured, structured log
	// output otherwise (local development still sees every trigger).
	handoffConfig := handoff.LoadConfig()

	var producer handoff.Producer

	if handoffConfig.Enabled() {
		kafkaProducer, err := handoff.NewKafkaProducer(handoffConfig, handoff.WithKafkaLogger(logger))
		if err != nil {
			logger.Error("Failed to create kafka producer", slog.String("error", err.Error()))
			os.Exit(1)
		}

		closers = append(closers, kafkaProducer)
		producer = kafkaProducer

		logger.Info("Stage handoff via kafka",
			slog.Any("brokers", handoffConfig.Brokers),
			slog.String("topic", handoffConfig.Topic),
		)
	} else {
		producer = handoff.NewLogProducer(logger)

		logger.Warn("No kafka brokers configured - stage triggers will only be logged",
			slog.String("note", "Set KPIFLOW_KAFKA_BROKERS to enable downstream handoff"),
		)
	}

	monitorConfig := monitor.LoadConfig()

	jobMonitor, err := monitor.New(store, producer, monitorConfig, monitor.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to create job monitor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	jobMonitor.Start()
	defer jobMonitor.Stop()

	// KPI aliases are optional; a missing or invalid .kpiflow.yaml degrades
	// to identity resolution.
	aliasConfig, err := aliasing.LoadConfigFromEnv()
	if err != nil {
		logger.Warn("Failed to load alias configuration, continuing without aliases",
			slog.String("error", err.Error()),
		)
	}

	resolver := aliasing.NewResolver(aliasConfig)
	if resolver.AliasCount() > 0 {
		logger.Info("KPI alias resolution enabled",
			slog.Int("aliases", resolver.AliasCount()),
		)
	}

	registry, err := middleware.LoadSecretRegistry()
	if err != nil {
		logger.Error("Failed to load ingest secrets", slog.String("error", err.Error()))
		os.Exit(1)
	}

	middlewareConfig := middleware.LoadConfig()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	pipeline := ingestion.NewService(store, store, store, store, store,
		ingestion.WithLogger(logger),
		ingestion.WithIdempotencyTTL(config.GetEnvDuration("KPIFLOW_IDEMPOTENCY_TTL", ingestion.DefaultIdempotencyTTL)),
	)

	server := api.NewServer(serverConfig, api.Dependencies{
		Pipeline:    pipeline,
		Jobs:        store,
		Series:      store,
		Health:      store,
		Resolver:    resolver,
		Registry:    registry,
		RateLimiter: rateLimiter,
	})

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("kpiflow service stopped")
}

// openBackend builds the configured key-value backend and returns the closers
// main must sweep on shutdown, connection included.
func openBackend(logger *slog.Logger) (storage.KV, []io.Closer, error) {
	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		return nil, nil, err
	}

	switch storageConfig.Backend {
	case storage.BackendPostgres:
		conn, err := storage.NewConnection(storageConfig)
		if err != nil {
			return nil, nil, err
		}

		kv, err := storage.NewPostgresKV(conn, storageConfig.CleanupInterval, storage.WithPostgresLogger(logger))
		if err != nil {
			_ = conn.Close()

			return nil, nil, err
		}

		logger.Info("Storage backend: postgres",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
			slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
			slog.Duration("cleanup_interval", storageConfig.CleanupInterval),
		)

		return kv, []io.Closer{kv, conn}, nil
	case storage.BackendBadger:
		kv, err := storage.NewBadgerKV(storage.BadgerConfig{
			Path:   storageConfig.BadgerPath,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}

		logger.Info("Storage backend: badger",
			slog.String("path", storageConfig.BadgerPath),
		)

		return kv, []io.Closer{kv}, nil
	default:
		logger.Warn("Storage backend: memory",
			slog.String("note", "Data is lost on restart; set KPIFLOW_STORAGE_BACKEND for persistence"),
		)

		kv := storage.NewInMemoryKV()

		return kv, []io.Closer{kv}, nil
	}
}

// closeAll closes resources in reverse acquisition order.
func closeAll(logger *slog.Logger, closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Error("Failed to close resource", slog.String("error", err.Error()))
		}
	}
}
