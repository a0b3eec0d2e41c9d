// Package task defines the unit of work that flows through a pipeline.
// A Task carries an open document through an ordered list of remaining
// node identifiers. Tasks are serialized to JSON for transmission over
// the durable queue and are owned exclusively by the execution engine
// for the duration of one node's processing.
package task

import (
	"encoding/json"
	"time"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StateRunning indicates the task is in flight through its pipeline.
	StateRunning State = "RUNNING"

	// StateCompleted indicates the task consumed its full node path.
	StateCompleted State = "COMPLETED"

	// StateError indicates the task hit a non-retriable failure.
	StateError State = "ERROR"

	// StateDead indicates the task exhausted its retry budget and was
	// moved to the dead-letter store.
	StateDead State = "DEAD"
)

// Task is one in-flight unit of work.
type Task struct {
	// ID is an opaque unique identifier
	ID string `json:"id"`

	// UserID identifies the owning user
	UserID string `json:"user_id"`

	// PipeID identifies the owning pipeline
	PipeID string `json:"pipe_id"`

	// Nodes is the ordered list of remaining node identifiers.
	// The front element is the next node to execute; the pipeline is
	// complete when the list is empty.
	Nodes []string `json:"nodes"`

	// Document is the mutable payload transformed by every node
	Document Document `json:"document"`

	// CreatedAt is the task creation timestamp
	CreatedAt time.Time `json:"created_at"`

	// Retries counts the retry attempts consumed so far
	Retries int `json:"retries"`

	// Error holds the last recorded error message, if any
	Error string `json:"error,omitempty"`

	// State is the current lifecycle state
	State State `json:"state"`
}

// New creates a running task with zero retries.
func New(id, userID, pipeID string, nodes []string, doc Document) *Task {
	if doc == nil {
		doc = Document{}
	}
	return &Task{
		ID:        id,
		UserID:    userID,
		PipeID:    pipeID,
		Nodes:     nodes,
		Document:  doc,
		CreatedAt: time.Now().UTC(),
		State:     StateRunning,
	}
}

// NextNode returns the identifier of the next node to execute, or ""
// when the node path is empty.
func (t *Task) NextNode() string {
	if len(t.Nodes) == 0 {
		return ""
	}
	return t.Nodes[0]
}

// AdvanceNode removes the front node from the remaining path and returns
// its identifier. The path is consumed strictly from the front.
func (t *Task) AdvanceNode() string {
	if len(t.Nodes) == 0 {
		return ""
	}
	next := t.Nodes[0]
	t.Nodes = t.Nodes[1:]
	return next
}

// HasRemainingNodes reports whether any node is left to execute.
func (t *Task) HasRemainingNodes() bool {
	return len(t.Nodes) > 0
}

// ToBytes serializes the task to its JSON wire format.
func (t *Task) ToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// FromBytes deserializes a task from its JSON wire format.
func FromBytes(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if t.Document == nil {
		t.Document = Document{}
	}
	return &t, nil
}
