// Package runner provides the concurrent worker loop that drains the task
// queue. It pulls tasks in batches, distributes them to worker goroutines,
// runs one node per delivery through the engine, and settles the source
// message according to the retry manager's decision.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/conveyor/internal/tracing"
	"github.com/wehubfusion/conveyor/pkg/engine"
	"github.com/wehubfusion/conveyor/pkg/queue"
	"github.com/wehubfusion/conveyor/pkg/retry"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// Config holds runner configuration.
type Config struct {
	// BatchSize is how many tasks to pull per fetch (default: 10)
	BatchSize int

	// NumWorkers is the worker goroutine count (default: 4)
	NumWorkers int

	// ProcessTimeout bounds one node invocation (default: 60s)
	ProcessTimeout time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:      10,
		NumWorkers:     4,
		ProcessTimeout: 60 * time.Second,
	}
}

// Runner manages concurrent task processing from the durable queue.
type Runner struct {
	queue           *queue.Queue
	engine          *engine.Engine
	retry           *retry.Manager
	cfg             Config
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewRunner creates a runner over a queue, engine, and retry manager.
// The queue's stream and consumer are created if missing. tracingConfig
// is optional; when nil no tracing is set up.
func NewRunner(q *queue.Queue, eng *engine.Engine, mgr *retry.Manager, cfg Config, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if eng == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if mgr == nil {
		return nil, errors.New("retry manager cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = def.NumWorkers
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = def.ProcessTimeout
	}

	if err := q.EnsureStream(); err != nil {
		return nil, err
	}
	if err := q.EnsureConsumer(); err != nil {
		return nil, err
	}

	runner := &Runner{
		queue:  q,
		engine: eng,
		retry:  mgr,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("conveyor/runner"),
	}

	if tracingConfig != nil {
		shutdown, err := tracing.SetupTracing(context.Background(), tracingConfig.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			runner.tracingShutdown = shutdown
			logger.Info("Tracing setup complete",
				zap.String("service", tracingConfig.ServiceName),
				zap.String("endpoint", tracingConfig.OTLPEndpoint))
		}
	}

	return runner, nil
}

// Close shuts down the runner's tracing provider and queue subscription.
func (r *Runner) Close() error {
	if err := r.queue.Close(); err != nil {
		r.logger.Error("Error draining queue subscription", zap.Error(err))
	}
	if r.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracingShutdown(ctx); err != nil {
			r.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		r.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run starts the processing loop. It spawns worker goroutines and pulls
// task deliveries until the context is cancelled; it blocks until all
// workers have drained.
func (r *Runner) Run(ctx context.Context) error {
	deliveryChan := make(chan *queue.Delivery, r.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, deliveryChan)
		}(i)
	}

	go func() {
		defer close(deliveryChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Shutting down task puller...")
				return
			default:
				deliveries, err := r.queue.Dequeue(ctx, r.cfg.BatchSize)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					r.logger.Error("Error pulling tasks", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}

				if len(deliveries) == 0 {
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
					continue
				}

				backoffDelay = 100 * time.Millisecond

				for _, d := range deliveries {
					select {
					case deliveryChan <- d:
					case <-ctx.Done():
						// Unsent deliveries redeliver after ack wait.
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed")
		return nil
	case <-ctx.Done():
		r.logger.Info("Runner stopped due to context cancellation")
		return ctx.Err()
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, deliveryChan <-chan *queue.Delivery) {
	r.logger.Info("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Info("Worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case d, ok := <-deliveryChan:
			if !ok {
				return
			}
			r.processDelivery(ctx, workerID, d)
		case <-ctx.Done():
			return
		}
	}
}

// processDelivery runs one node of one task and settles the source
// message. Lifecycle side effects (re-enqueue, dead-letter) are the retry
// manager's; if a side effect fails the message is negatively
// acknowledged so JetStream redelivers it.
func (r *Runner) processDelivery(ctx context.Context, workerID int, d *queue.Delivery) {
	t := d.Task

	ctx, span := r.tracer.Start(ctx, "runner.processDelivery",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("task.id", t.ID),
			attribute.String("task.pipe_id", t.PipeID),
			attribute.String("task.node_id", t.NextNode()),
			attribute.Int("task.retries", t.Retries),
		))
	defer span.End()

	// A task with no remaining nodes is already done; never dispatch it.
	if !t.HasRemainingNodes() {
		t.State = task.StateCompleted
		span.SetStatus(codes.Ok, "Empty node path")
		if err := d.Ack(); err != nil {
			r.logger.Error("Error acking completed task",
				zap.Int("workerID", workerID), zap.Error(err))
			return
		}
		r.logger.Info("Task completed with empty node path",
			zap.Int("workerID", workerID),
			zap.String("taskID", t.ID))
		return
	}

	select {
	case <-ctx.Done():
		span.SetStatus(codes.Error, "Context cancelled before processing")
		if err := d.Nak(); err != nil {
			r.logger.Error("Error naking task on shutdown",
				zap.Int("workerID", workerID), zap.Error(err))
		}
		return
	default:
	}

	start := time.Now()
	r.logger.Info("Worker processing task",
		zap.Int("workerID", workerID),
		zap.String("taskID", t.ID),
		zap.String("nodeID", t.NextNode()))

	processCtx, cancel := context.WithTimeout(ctx, r.cfg.ProcessTimeout)
	processCtx, processSpan := r.tracer.Start(processCtx, "engine.ProcessNode")
	result, procErr := r.engine.ProcessNode(processCtx, t)
	processSpan.End()
	cancel()

	processingTime := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", processingTime.Milliseconds()))

	if procErr != nil {
		span.RecordError(procErr)
		span.SetStatus(codes.Error, procErr.Error())
	} else {
		span.SetStatus(codes.Ok, "Node processed")
		t = result
	}

	// Lifecycle side effects run on a fresh context so a cancelled worker
	// can still re-enqueue or dead-letter before giving the message back.
	resolveCtx, resolveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	outcome, resolveErr := r.retry.Resolve(resolveCtx, t, procErr)
	resolveCancel()
	span.SetAttributes(attribute.String("task.outcome", outcome.String()))

	if resolveErr != nil {
		r.logger.Error("Error applying task outcome, message will redeliver",
			zap.Int("workerID", workerID),
			zap.String("taskID", t.ID),
			zap.String("outcome", outcome.String()),
			zap.Error(resolveErr))
		if err := d.Nak(); err != nil {
			r.logger.Error("Error naking task after failed outcome",
				zap.Int("workerID", workerID), zap.Error(err))
		}
		return
	}

	// The decision is durable (continuation enqueued, dead-letter stored,
	// or the task is terminal); the source message is done either way.
	if err := d.Ack(); err != nil {
		r.logger.Error("Error acking task",
			zap.Int("workerID", workerID),
			zap.String("taskID", t.ID),
			zap.Error(err))
		return
	}

	r.logger.Info("Task delivery settled",
		zap.Int("workerID", workerID),
		zap.String("taskID", t.ID),
		zap.String("state", string(t.State)),
		zap.String("outcome", outcome.String()),
		zap.Duration("processingTime", processingTime))
}
