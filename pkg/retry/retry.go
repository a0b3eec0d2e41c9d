// Package retry drives a task's lifecycle after each engine invocation:
// advance to the next node, complete, re-enqueue with backoff, drop, or
// dead-letter. The manager only inspects the failure classification
// surfaced by the engine; it never looks inside the document.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// Queue re-enqueues tasks for a later, unrelated invocation. A positive
// delay asks the queue to withhold delivery for at least that long.
type Queue interface {
	Enqueue(ctx context.Context, t *task.Task, delay time.Duration) error
}

// DeadLetter durably stores tasks that exhausted their retry budget,
// together with the terminal error message.
type DeadLetter interface {
	Store(ctx context.Context, t *task.Task, errMsg string) error
}

// Outcome describes what the manager decided for one attempt.
type Outcome int

const (
	// OutcomeAdvanced means the node succeeded and the task was
	// re-enqueued for its next node.
	OutcomeAdvanced Outcome = iota

	// OutcomeCompleted means the task consumed its full node path.
	OutcomeCompleted

	// OutcomeRetrying means a retriable failure consumed one retry and
	// the task was re-enqueued unchanged, with backoff.
	OutcomeRetrying

	// OutcomeDeadLettered means the retry budget is exhausted; the task
	// was moved to the dead-letter store and marked DEAD.
	OutcomeDeadLettered

	// OutcomeDropped means a non-retriable failure; the task was marked
	// ERROR and removed from active processing.
	OutcomeDropped
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Config holds retry policy configuration.
type Config struct {
	// MaxRetries is the retry budget per task (default: 3). A task
	// failing retriably with its budget already consumed is dead-lettered.
	MaxRetries int

	// BackoffBase is the delay before the first retry (default: 2s);
	// it doubles per consumed retry.
	BackoffBase time.Duration

	// BackoffMax caps the retry delay (default: 60s).
	BackoffMax time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: 2 * time.Second,
		BackoffMax:  60 * time.Second,
	}
}

// Manager is the retry & dead-letter state machine.
type Manager struct {
	queue      Queue
	deadletter DeadLetter
	cfg        Config
	logger     *zap.Logger
}

// NewManager creates a retry manager.
func NewManager(queue Queue, deadletter DeadLetter, cfg Config, logger *zap.Logger) (*Manager, error) {
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if deadletter == nil {
		return nil, errors.New("dead-letter store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("max retries cannot be negative")
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	return &Manager{queue: queue, deadletter: deadletter, cfg: cfg, logger: logger}, nil
}

// Resolve applies the lifecycle transition for one completed engine
// invocation and performs its side effect (enqueue or dead-letter).
// A returned error means the side effect itself failed and the source
// message should be redelivered.
func (m *Manager) Resolve(ctx context.Context, t *task.Task, procErr error) (Outcome, error) {
	if procErr == nil {
		executed := t.AdvanceNode()
		if t.HasRemainingNodes() {
			t.State = task.StateRunning
			if err := m.queue.Enqueue(ctx, t, 0); err != nil {
				return OutcomeAdvanced, err
			}
			m.logger.Info("task advanced",
				zap.String("task_id", t.ID),
				zap.String("executed_node", executed),
				zap.String("next_node", t.NextNode()))
			return OutcomeAdvanced, nil
		}

		t.State = task.StateCompleted
		m.logger.Info("task completed",
			zap.String("task_id", t.ID),
			zap.String("executed_node", executed))
		return OutcomeCompleted, nil
	}

	t.Error = procErr.Error()

	if !sdkerrors.IsRetriable(procErr) {
		t.State = task.StateError
		m.logger.Error("dropping task on non-retriable failure",
			zap.String("task_id", t.ID),
			zap.String("node_id", t.NextNode()),
			zap.String("code", sdkerrors.CodeOf(procErr)),
			zap.Error(procErr))
		return OutcomeDropped, nil
	}

	if t.Retries >= m.cfg.MaxRetries {
		t.State = task.StateDead
		if err := m.deadletter.Store(ctx, t, t.Error); err != nil {
			return OutcomeDeadLettered, err
		}
		m.logger.Error("task dead-lettered after exhausting retries",
			zap.String("task_id", t.ID),
			zap.Int("retries", t.Retries),
			zap.Error(procErr))
		return OutcomeDeadLettered, nil
	}

	t.Retries++
	delay := m.backoff(t.Retries)
	if err := m.queue.Enqueue(ctx, t, delay); err != nil {
		return OutcomeRetrying, err
	}
	m.logger.Warn("retrying task",
		zap.String("task_id", t.ID),
		zap.String("node_id", t.NextNode()),
		zap.Int("retries", t.Retries),
		zap.Duration("backoff", delay),
		zap.Error(procErr))
	return OutcomeRetrying, nil
}

// backoff returns the delay before the nth retry: base doubled per
// consumed retry, capped.
func (m *Manager) backoff(retries int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	if d > m.cfg.BackoffMax {
		return m.cfg.BackoffMax
	}
	return d
}
