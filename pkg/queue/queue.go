// Package queue is the durable task queue over NATS JetStream. Tasks are
// serialized to their JSON wire format and published to the task stream;
// workers pull them in batches and acknowledge per-message. Delayed
// re-enqueue (retry backoff) is carried as a not-before header honored on
// the dequeue path.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/conveyor/pkg/task"
)

// HeaderNotBefore carries the earliest delivery time (RFC 3339) for a
// re-enqueued task. Messages arriving early are negatively acknowledged
// with the remaining delay.
const HeaderNotBefore = "Conveyor-Not-Before"

// JSContext defines the minimal subset of JetStream operations the queue
// depends on. This allows tests to provide an in-memory fake without a
// running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts the subscription operations the queue uses.
type JSSubscription interface {
	Unsubscribe() error
	Drain() error
	IsValid() bool
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext
// interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.PublishMsg(msg, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (s *natsSubAdapter) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s *natsSubAdapter) Drain() error       { return s.sub.Drain() }
func (s *natsSubAdapter) IsValid() bool      { return s.sub.IsValid() }
func (s *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return s.sub.Fetch(batch, opts...)
}

// Config holds queue configuration.
type Config struct {
	// Stream is the JetStream stream name for tasks (default: TASKS)
	Stream string

	// Subject is the subject tasks are published to (default: tasks.process)
	Subject string

	// Consumer is the durable consumer name (default: conveyor-worker)
	Consumer string

	// MaxDeliver caps JetStream-level redeliveries of one message
	// (default: 5). This backstops crashed workers; the retry manager
	// owns application-level retry counting.
	MaxDeliver int

	// PublishMaxRetries is the number of publish attempts on failure
	// (default: 3, 1s apart)
	PublishMaxRetries int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		Stream:            "TASKS",
		Subject:           "tasks.process",
		Consumer:          "conveyor-worker",
		MaxDeliver:        5,
		PublishMaxRetries: 3,
	}
}

// Queue is the JetStream-backed task queue.
type Queue struct {
	js     JSContext
	cfg    Config
	logger *zap.Logger
	sub    JSSubscription
}

// New creates a queue over the given JetStream context.
func New(js JSContext, cfg Config, logger *zap.Logger) (*Queue, error) {
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
	if cfg.Consumer == "" {
		cfg.Consumer = def.Consumer
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = def.MaxDeliver
	}
	if cfg.PublishMaxRetries <= 0 {
		cfg.PublishMaxRetries = def.PublishMaxRetries
	}
	return &Queue{js: js, cfg: cfg, logger: logger}, nil
}

// EnsureStream creates the task stream if it doesn't exist.
func (q *Queue) EnsureStream() error {
	info, err := q.js.StreamInfo(q.cfg.Stream)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			q.logger.Info("creating task stream", zap.String("stream", q.cfg.Stream))
			_, err = q.js.AddStream(&nats.StreamConfig{
				Name:     q.cfg.Stream,
				Subjects: []string{fmt.Sprintf("%s.*", streamPrefix(q.cfg.Subject))},
				Storage:  nats.FileStorage,
				MaxAge:   24 * time.Hour,
				Replicas: 1,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream %q: %w", q.cfg.Stream, err)
			}
			return nil
		}
		return fmt.Errorf("failed to get stream info for %q: %w", q.cfg.Stream, err)
	}

	q.logger.Info("task stream exists",
		zap.String("stream", q.cfg.Stream),
		zap.Uint64("messages", info.State.Msgs))
	return nil
}

// EnsureConsumer creates the durable pull consumer if it doesn't exist.
func (q *Queue) EnsureConsumer() error {
	_, err := q.js.ConsumerInfo(q.cfg.Stream, q.cfg.Consumer)
	if err != nil {
		if err == nats.ErrConsumerNotFound {
			q.logger.Info("creating task consumer",
				zap.String("stream", q.cfg.Stream),
				zap.String("consumer", q.cfg.Consumer))
			_, err = q.js.AddConsumer(q.cfg.Stream, &nats.ConsumerConfig{
				Durable:       q.cfg.Consumer,
				AckPolicy:     nats.AckExplicitPolicy,
				DeliverPolicy: nats.DeliverAllPolicy,
				MaxAckPending: 1000,
				MaxDeliver:    q.cfg.MaxDeliver,
			})
			if err != nil {
				return fmt.Errorf("failed to create consumer %q: %w", q.cfg.Consumer, err)
			}
			return nil
		}
		return fmt.Errorf("failed to get consumer info for %q: %w", q.cfg.Consumer, err)
	}
	return nil
}

// Enqueue publishes a task for a later invocation. A positive delay sets
// the not-before header so delivery is withheld at least that long.
// Publishing retries on failure up to the configured attempt count.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task, delay time.Duration) error {
	data, err := t.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize task %q: %w", t.ID, err)
	}

	msg := &nats.Msg{Subject: q.cfg.Subject, Data: data, Header: nats.Header{}}
	if delay > 0 {
		msg.Header.Set(HeaderNotBefore, time.Now().Add(delay).UTC().Format(time.RFC3339))
	}

	var lastErr error
	for attempt := 1; attempt <= q.cfg.PublishMaxRetries; attempt++ {
		if _, lastErr = q.js.PublishMsg(msg); lastErr == nil {
			q.logger.Debug("task enqueued",
				zap.String("task_id", t.ID),
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt))
			return nil
		}

		q.logger.Warn("task publish failed",
			zap.String("task_id", t.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < q.cfg.PublishMaxRetries {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return fmt.Errorf("enqueue cancelled: %w", ctx.Err())
			}
		}
	}
	return fmt.Errorf("failed to enqueue task %q after %d attempts: %w", t.ID, q.cfg.PublishMaxRetries, lastErr)
}

// CreateTask persists a newly spawned task. It satisfies the splitter's
// creator contract; each call is an independent insertion.
func (q *Queue) CreateTask(ctx context.Context, t *task.Task) error {
	return q.Enqueue(ctx, t, 0)
}

// Delivery pairs a dequeued task with its acknowledgment handle.
// Consumers MUST call Ack, Nak, or Term to settle the delivery.
type Delivery struct {
	// Task is the decoded task
	Task *task.Task

	msg *nats.Msg
}

// Ack acknowledges the delivery; the message is not redelivered.
func (d *Delivery) Ack() error {
	if d.msg == nil {
		return nil
	}
	return d.msg.Ack()
}

// Nak requests redelivery.
func (d *Delivery) Nak() error {
	if d.msg == nil {
		return nil
	}
	return d.msg.Nak()
}

// Term removes the message from the stream without processing. Used for
// poison messages that can never be decoded.
func (d *Delivery) Term() error {
	if d.msg == nil {
		return nil
	}
	return d.msg.Term()
}

// Dequeue pulls up to batch tasks from the durable consumer. An empty
// result with a nil error means no messages were available. Messages
// whose not-before time lies in the future are negatively acknowledged
// with the remaining delay and not returned; undecodable messages are
// terminated.
func (q *Queue) Dequeue(ctx context.Context, batch int) ([]*Delivery, error) {
	if batch <= 0 {
		batch = 10
	}

	if q.sub == nil || !q.sub.IsValid() {
		sub, err := q.js.PullSubscribe("", q.cfg.Consumer, nats.Bind(q.cfg.Stream, q.cfg.Consumer))
		if err != nil {
			return nil, fmt.Errorf("failed to bind consumer %q: %w", q.cfg.Consumer, err)
		}
		q.sub = sub
	}

	timeout := 3 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}

	msgs, err := q.sub.Fetch(batch, nats.MaxWait(timeout))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dequeue cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to fetch from consumer %q: %w", q.cfg.Consumer, err)
	}

	deliveries := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		if wait, early := deliveryDelay(m); early {
			_ = m.NakWithDelay(wait)
			continue
		}

		t, err := task.FromBytes(m.Data)
		if err != nil {
			q.logger.Error("terminating undecodable task message", zap.Error(err))
			_ = m.Term()
			continue
		}
		deliveries = append(deliveries, &Delivery{Task: t, msg: m})
	}
	return deliveries, nil
}

// Close drains the pull subscription.
func (q *Queue) Close() error {
	if q.sub == nil {
		return nil
	}
	err := q.sub.Drain()
	q.sub = nil
	return err
}

// deliveryDelay reports whether the message's not-before time is still in
// the future, and how long remains.
func deliveryDelay(m *nats.Msg) (time.Duration, bool) {
	if m.Header == nil {
		return 0, false
	}
	raw := m.Header.Get(HeaderNotBefore)
	if raw == "" {
		return 0, false
	}
	notBefore, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, false
	}
	if wait := time.Until(notBefore); wait > 0 {
		return wait, true
	}
	return 0, false
}

// streamPrefix derives the stream's subject prefix from the configured
// subject (the first token).
func streamPrefix(subject string) string {
	for i, c := range subject {
		if c == '.' {
			return subject[:i]
		}
	}
	return subject
}
