package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/conveyor/pkg/task"
)

// fakeJS is an in-memory JSContext. Published messages accumulate and are
// handed back by the fake subscription's Fetch.
type fakeJS struct {
	published   []*nats.Msg
	publishErrs int // fail this many publishes before succeeding
	streams     map[string]bool
	consumers   map[string]bool
	sub         *fakeSub
}

func newFakeJS() *fakeJS {
	return &fakeJS{streams: map[string]bool{}, consumers: map[string]bool{}, sub: &fakeSub{}}
}

func (f *fakeJS) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	return f.PublishMsg(&nats.Msg{Subject: subj, Data: data})
}

func (f *fakeJS) PublishMsg(msg *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.publishErrs > 0 {
		f.publishErrs--
		return nil, errors.New("publish failed")
	}
	f.published = append(f.published, msg)
	return &nats.PubAck{Sequence: uint64(len(f.published))}, nil
}

func (f *fakeJS) PullSubscribe(_, _ string, _ ...nats.SubOpt) (JSSubscription, error) {
	return f.sub, nil
}

func (f *fakeJS) StreamInfo(stream string) (*nats.StreamInfo, error) {
	if !f.streams[stream] {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: nats.StreamConfig{Name: stream}}, nil
}

func (f *fakeJS) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	f.streams[cfg.Name] = true
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	if !f.consumers[stream+"/"+consumer] {
		return nil, nats.ErrConsumerNotFound
	}
	return &nats.ConsumerInfo{Name: consumer}, nil
}

func (f *fakeJS) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	f.consumers[stream+"/"+cfg.Durable] = true
	return &nats.ConsumerInfo{Name: cfg.Durable}, nil
}

type fakeSub struct {
	msgs   []*nats.Msg
	closed bool
}

func (s *fakeSub) Unsubscribe() error { s.closed = true; return nil }
func (s *fakeSub) Drain() error       { s.closed = true; return nil }
func (s *fakeSub) IsValid() bool      { return !s.closed }

func (s *fakeSub) Fetch(batch int, _ ...nats.PullOpt) ([]*nats.Msg, error) {
	if len(s.msgs) == 0 {
		return nil, nats.ErrTimeout
	}
	if batch > len(s.msgs) {
		batch = len(s.msgs)
	}
	out := s.msgs[:batch]
	s.msgs = s.msgs[batch:]
	return out, nil
}

func newQueue(t *testing.T, js JSContext) *Queue {
	t.Helper()
	q, err := New(js, DefaultConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return q
}

func TestEnsureStreamAndConsumer(t *testing.T) {
	js := newFakeJS()
	q := newQueue(t, js)

	if err := q.EnsureStream(); err != nil {
		t.Fatalf("EnsureStream failed: %v", err)
	}
	if !js.streams["TASKS"] {
		t.Error("expected TASKS stream created")
	}
	if err := q.EnsureConsumer(); err != nil {
		t.Fatalf("EnsureConsumer failed: %v", err)
	}
	if !js.consumers["TASKS/conveyor-worker"] {
		t.Error("expected durable consumer created")
	}

	// Second calls are no-ops against existing resources.
	if err := q.EnsureStream(); err != nil {
		t.Errorf("EnsureStream on existing stream failed: %v", err)
	}
	if err := q.EnsureConsumer(); err != nil {
		t.Errorf("EnsureConsumer on existing consumer failed: %v", err)
	}
}

func TestEnqueueImmediate(t *testing.T) {
	js := newFakeJS()
	q := newQueue(t, js)

	tk := task.New("t1", "u1", "p1", []string{"n1"}, task.Document{"x": 1})
	if err := q.Enqueue(context.Background(), tk, 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if len(js.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(js.published))
	}
	msg := js.published[0]
	if msg.Subject != "tasks.process" {
		t.Errorf("unexpected subject %s", msg.Subject)
	}
	if msg.Header.Get(HeaderNotBefore) != "" {
		t.Error("immediate enqueue must not carry a not-before header")
	}

	decoded, err := task.FromBytes(msg.Data)
	if err != nil {
		t.Fatalf("payload not decodable: %v", err)
	}
	if decoded.ID != "t1" {
		t.Errorf("wrong task on the wire: %s", decoded.ID)
	}
}

func TestEnqueueDelayedSetsNotBefore(t *testing.T) {
	js := newFakeJS()
	q := newQueue(t, js)

	tk := task.New("t1", "u1", "p1", []string{"n1"}, nil)
	if err := q.Enqueue(context.Background(), tk, 30*time.Second); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	raw := js.published[0].Header.Get(HeaderNotBefore)
	if raw == "" {
		t.Fatal("expected not-before header")
	}
	notBefore, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t.Fatalf("header not RFC 3339: %v", err)
	}
	until := time.Until(notBefore)
	if until < 25*time.Second || until > 31*time.Second {
		t.Errorf("unexpected not-before distance: %v", until)
	}
}

func TestEnqueueRetriesPublish(t *testing.T) {
	js := newFakeJS()
	js.publishErrs = 2
	q := newQueue(t, js)

	tk := task.New("t1", "u1", "p1", []string{"n1"}, nil)
	if err := q.Enqueue(context.Background(), tk, 0); err != nil {
		t.Fatalf("expected publish to succeed on retry: %v", err)
	}
	if len(js.published) != 1 {
		t.Errorf("expected one successful publish, got %d", len(js.published))
	}
}

func TestEnqueueExhaustsRetries(t *testing.T) {
	js := newFakeJS()
	js.publishErrs = 100
	cfg := DefaultConfig()
	cfg.PublishMaxRetries = 2
	q, err := New(js, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tk := task.New("t1", "u1", "p1", []string{"n1"}, nil)
	if err := q.Enqueue(context.Background(), tk, 0); err == nil {
		t.Error("expected enqueue failure after exhausting publish retries")
	}
}

func TestDequeueDecodesTasks(t *testing.T) {
	js := newFakeJS()
	q := newQueue(t, js)

	tk := task.New("t1", "u1", "p1", []string{"n1"}, task.Document{"x": 1})
	data, _ := tk.ToBytes()
	js.sub.msgs = []*nats.Msg{{Subject: "tasks.process", Data: data}}

	got, err := q.Dequeue(context.Background(), 10)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(got) != 1 || got[0].Task.ID != "t1" {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
}

func TestDequeueEmptyIsNotAnError(t *testing.T) {
	js := newFakeJS()
	q := newQueue(t, js)

	got, err := q.Dequeue(context.Background(), 10)
	if err != nil {
		t.Fatalf("expected empty fetch to be quiet: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no deliveries, got %d", len(got))
	}
}

func TestDequeueSkipsPoisonMessages(t *testing.T) {
	js := newFakeJS()
	q := newQueue(t, js)

	tk := task.New("t1", "u1", "p1", []string{"n1"}, nil)
	data, _ := tk.ToBytes()
	js.sub.msgs = []*nats.Msg{
		{Subject: "tasks.process", Data: []byte("not a task")},
		{Subject: "tasks.process", Data: data},
	}

	got, err := q.Dequeue(context.Background(), 10)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(got) != 1 || got[0].Task.ID != "t1" {
		t.Errorf("expected poison message dropped, got %+v", got)
	}
}

func TestDequeueWithholdsFutureNotBefore(t *testing.T) {
	js := newFakeJS()
	q := newQueue(t, js)

	tk := task.New("t1", "u1", "p1", []string{"n1"}, nil)
	data, _ := tk.ToBytes()

	early := &nats.Msg{Subject: "tasks.process", Data: data, Header: nats.Header{}}
	early.Header.Set(HeaderNotBefore, time.Now().Add(time.Minute).UTC().Format(time.RFC3339))

	due := &nats.Msg{Subject: "tasks.process", Data: data, Header: nats.Header{}}
	due.Header.Set(HeaderNotBefore, time.Now().Add(-time.Minute).UTC().Format(time.RFC3339))

	js.sub.msgs = []*nats.Msg{early, due}

	got, err := q.Dequeue(context.Background(), 10)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the due message, got %d deliveries", len(got))
	}
}

func TestCreateTaskEnqueuesImmediately(t *testing.T) {
	js := newFakeJS()
	q := newQueue(t, js)

	tk := task.New("t1", "u1", "p1", []string{"n1"}, nil)
	if err := q.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if len(js.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(js.published))
	}
	if js.published[0].Header.Get(HeaderNotBefore) != "" {
		t.Error("spawned tasks must be deliverable immediately")
	}
}
