// The worker binary wires the conveyor pipeline core together: NATS
// connection, durable task queue, dead-letter store, processor registry,
// engine, retry manager, and the worker-pool runner. Configuration is
// environment-variable driven.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/conveyor/internal/nats"
	"github.com/wehubfusion/conveyor/pkg/deadletter"
	"github.com/wehubfusion/conveyor/pkg/engine"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/processors/registry"
	"github.com/wehubfusion/conveyor/pkg/queue"
	"github.com/wehubfusion/conveyor/pkg/retry"
	"github.com/wehubfusion/conveyor/pkg/runner"
	"github.com/wehubfusion/conveyor/pkg/storage"
	"github.com/wehubfusion/conveyor/pkg/task"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsURL := envOr("CONVEYOR_NATS_URL", "nats://localhost:4222")

	connCfg := internalnats.DefaultConnectionConfig(natsURL)
	connCfg.Token = os.Getenv("CONVEYOR_NATS_TOKEN")
	connCfg.Username = os.Getenv("CONVEYOR_NATS_USERNAME")
	connCfg.Password = os.Getenv("CONVEYOR_NATS_PASSWORD")
	connCfg.Logger = logger

	conn, err := internalnats.Connect(ctx, connCfg)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer internalnats.Close(conn)

	jsCtx, err := conn.JetStream()
	if err != nil {
		logger.Fatal("failed to open JetStream context", zap.Error(err))
	}
	js := queue.WrapNATSJetStream(jsCtx)

	queueCfg := queue.DefaultConfig()
	queueCfg.Stream = envOr("CONVEYOR_TASK_STREAM", queueCfg.Stream)
	queueCfg.Subject = envOr("CONVEYOR_TASK_SUBJECT", queueCfg.Subject)
	queueCfg.Consumer = envOr("CONVEYOR_TASK_CONSUMER", queueCfg.Consumer)

	q, err := queue.New(js, queueCfg, logger)
	if err != nil {
		logger.Fatal("failed to create task queue", zap.Error(err))
	}

	// Blob archive is optional; without a connection string dead tasks
	// live in the DEADLETTER stream only.
	var archive storage.Archiver
	if connStr := os.Getenv("CONVEYOR_BLOB_CONNECTION_STRING"); connStr != "" {
		container := envOr("CONVEYOR_BLOB_CONTAINER", "conveyor-deadletter")
		archive, err = storage.NewAzureArchive(connStr, container, logger)
		if err != nil {
			logger.Fatal("failed to create blob archive", zap.Error(err))
		}
	}

	dl, err := deadletter.NewStore(js, deadletter.DefaultConfig(), archive, logger)
	if err != nil {
		logger.Fatal("failed to create dead-letter store", zap.Error(err))
	}
	if err := dl.EnsureStream(); err != nil {
		logger.Fatal("failed to ensure dead-letter stream", zap.Error(err))
	}

	stores := bootstrapStores()

	evaluator := pipeline.NewEvaluator(pipeline.DefaultFuncs())

	reg, err := registry.New(stores, evaluator, q, logger)
	if err != nil {
		logger.Fatal("failed to build processor registry", zap.Error(err))
	}
	if err := validatePipelines(ctx, stores, reg); err != nil {
		logger.Fatal("pipeline configuration rejected", zap.Error(err))
	}

	eng, err := engine.New(stores, reg, evaluator, logger)
	if err != nil {
		logger.Fatal("failed to create engine", zap.Error(err))
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = envInt("CONVEYOR_MAX_RETRIES", retryCfg.MaxRetries)

	mgr, err := retry.NewManager(q, dl, retryCfg, logger)
	if err != nil {
		logger.Fatal("failed to create retry manager", zap.Error(err))
	}

	runnerCfg := runner.DefaultConfig()
	runnerCfg.BatchSize = envInt("CONVEYOR_BATCH_SIZE", runnerCfg.BatchSize)
	runnerCfg.NumWorkers = envInt("CONVEYOR_NUM_WORKERS", runnerCfg.NumWorkers)
	if secs := envInt("CONVEYOR_PROCESS_TIMEOUT_SECONDS", 0); secs > 0 {
		runnerCfg.ProcessTimeout = time.Duration(secs) * time.Second
	}

	var tracingCfg *runner.TracingConfig
	if endpoint := os.Getenv("CONVEYOR_OTLP_ENDPOINT"); endpoint != "" {
		cfg := runner.DefaultTracingConfig("conveyor-worker")
		cfg.OTLPEndpoint = endpoint
		cfg.Environment = envOr("CONVEYOR_ENVIRONMENT", cfg.Environment)
		tracingCfg = &cfg
	}

	r, err := runner.NewRunner(q, eng, mgr, runnerCfg, logger, tracingCfg)
	if err != nil {
		logger.Fatal("failed to create runner", zap.Error(err))
	}
	defer r.Close()

	if os.Getenv("CONVEYOR_SEED_DEMO") == "true" {
		seedDemoTask(ctx, q, logger)
	}

	logger.Info("conveyor worker starting",
		zap.String("nats_url", natsURL),
		zap.String("stream", queueCfg.Stream),
		zap.String("consumer", queueCfg.Consumer),
		zap.Int("workers", runnerCfg.NumWorkers))

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal("runner stopped with error", zap.Error(err))
	}
	logger.Info("conveyor worker stopped")
}

// bootstrapStores seeds the in-memory reference stores with a minimal
// demo pipeline. A deployment backed by a real control plane would
// replace this with its own Store implementations.
func bootstrapStores() pipeline.Stores {
	mem := pipeline.NewMemoryStore()

	mem.PutUser(&pipeline.User{
		ID:           "demo-user",
		Name:         "Demo",
		DBID:         os.Getenv("CONVEYOR_DEMO_DB_ID"),
		DBToken:      os.Getenv("CONVEYOR_DEMO_DB_TOKEN"),
		ServiceToken: os.Getenv("CONVEYOR_DEMO_SERVICE_TOKEN"),
	})
	mem.PutTemplate(&pipeline.Template{
		ID:           "greet-template",
		Name:         "greet",
		Text:         `{"greeting": "Hello, {{.name}}!"}`,
		InputFields:  []pipeline.FieldSpec{{Name: "name"}},
		OutputFields: []pipeline.FieldSpec{{Name: "greeting"}},
	})
	mem.PutNode(&pipeline.Node{
		ID:         "greet-node",
		Name:       "greet",
		Processor:  "template",
		TemplateID: "greet-template",
	})
	mem.PutPipeline(&pipeline.Pipeline{
		ID:      "demo-pipe",
		Name:    "demo",
		UserID:  "demo-user",
		NodeIDs: []string{"greet-node"},
	})

	return mem.Stores()
}

// validatePipelines rejects configuration referencing unknown processors
// before any task is pulled.
func validatePipelines(ctx context.Context, stores pipeline.Stores, reg *engine.Registry) error {
	pipe, err := stores.Pipelines.GetPipeline(ctx, "demo-pipe")
	if err != nil || pipe == nil {
		return err
	}
	names := make([]string, 0, len(pipe.NodeIDs))
	for _, nodeID := range pipe.NodeIDs {
		node, err := stores.Nodes.GetNode(ctx, nodeID)
		if err != nil || node == nil {
			return err
		}
		names = append(names, node.Processor)
	}
	return reg.Validate(names...)
}

func seedDemoTask(ctx context.Context, q *queue.Queue, logger *zap.Logger) {
	t := task.New(uuid.NewString(), "demo-user", "demo-pipe",
		[]string{"greet-node"}, task.Document{"name": "world"})
	if err := q.CreateTask(ctx, t); err != nil {
		logger.Error("failed to seed demo task", zap.Error(err))
		return
	}
	logger.Info("seeded demo task", zap.String("task_id", t.ID))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
