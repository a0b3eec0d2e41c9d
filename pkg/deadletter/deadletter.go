// Package deadletter stores tasks that exhausted their retry budget. The
// full task wire payload plus the terminal error is published to a
// dedicated JetStream stream for operators to inspect or replay; an
// optional blob archive keeps a copy beyond stream retention.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/conveyor/pkg/queue"
	"github.com/wehubfusion/conveyor/pkg/storage"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// Record is the dead-letter wire format: the task as it looked at its
// final failure, plus the error that killed it.
type Record struct {
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
	DeadAt  time.Time       `json:"dead_at"`
}

// Config holds dead-letter configuration.
type Config struct {
	// Stream is the dead-letter stream name (default: DEADLETTER)
	Stream string

	// Subject is the subject records are published to (default: deadletter.task)
	Subject string

	// PublishMaxRetries is the number of publish attempts on failure
	// (default: 3, 1s apart)
	PublishMaxRetries int
}

// DefaultConfig returns the default dead-letter configuration.
func DefaultConfig() Config {
	return Config{
		Stream:            "DEADLETTER",
		Subject:           "deadletter.task",
		PublishMaxRetries: 3,
	}
}

// Store publishes dead-letter records to JetStream and optionally mirrors
// them to a blob archive.
type Store struct {
	js      queue.JSContext
	cfg     Config
	archive storage.Archiver
	logger  *zap.Logger
}

// NewStore creates a dead-letter store. The archiver is optional; pass
// nil to keep records in the stream only.
func NewStore(js queue.JSContext, cfg Config, archive storage.Archiver, logger *zap.Logger) (*Store, error) {
	if js == nil {
		return nil, errors.New("JetStream context cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	def := DefaultConfig()
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.PublishMaxRetries <= 0 {
		cfg.PublishMaxRetries = def.PublishMaxRetries
	}
	return &Store{js: js, cfg: cfg, archive: archive, logger: logger}, nil
}

// EnsureStream creates the dead-letter stream if it doesn't exist.
// Retention is long on purpose; dead tasks are evidence.
func (s *Store) EnsureStream() error {
	_, err := s.js.StreamInfo(s.cfg.Stream)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			s.logger.Info("creating dead-letter stream", zap.String("stream", s.cfg.Stream))
			_, err = s.js.AddStream(&nats.StreamConfig{
				Name:     s.cfg.Stream,
				Subjects: []string{"deadletter.*"},
				Storage:  nats.FileStorage,
				MaxAge:   14 * 24 * time.Hour,
				Replicas: 1,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream %q: %w", s.cfg.Stream, err)
			}
			return nil
		}
		return fmt.Errorf("failed to get stream info for %q: %w", s.cfg.Stream, err)
	}
	return nil
}

// Store durably records a dead task. Publish failure is an error so the
// caller can redeliver the source message; archive failure is logged but
// never blocks the stream write from counting.
func (s *Store) Store(ctx context.Context, t *task.Task, errMsg string) error {
	payload, err := t.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize dead task %q: %w", t.ID, err)
	}

	record, err := json.Marshal(Record{
		Payload: payload,
		Error:   errMsg,
		DeadAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter record for task %q: %w", t.ID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.PublishMaxRetries; attempt++ {
		if _, lastErr = s.js.Publish(s.cfg.Subject, record); lastErr == nil {
			break
		}
		s.logger.Warn("dead-letter publish failed",
			zap.String("task_id", t.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < s.cfg.PublishMaxRetries {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return fmt.Errorf("dead-letter store cancelled: %w", ctx.Err())
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("failed to dead-letter task %q after %d attempts: %w",
			t.ID, s.cfg.PublishMaxRetries, lastErr)
	}

	s.logger.Info("task dead-lettered",
		zap.String("task_id", t.ID),
		zap.String("pipe_id", t.PipeID),
		zap.String("error", errMsg))

	if s.archive != nil {
		blobPath := fmt.Sprintf("deadletter/%s.json", t.ID)
		if _, err := s.archive.UploadRecord(ctx, blobPath, record, map[string]string{
			"task_id": t.ID,
			"pipe_id": t.PipeID,
		}); err != nil {
			s.logger.Error("failed to archive dead-letter record",
				zap.String("task_id", t.ID),
				zap.Error(err))
		}
	}

	return nil
}
