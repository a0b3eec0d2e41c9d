package engine

import (
	"context"
	"fmt"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// Processor is the uniform contract every transformation implements:
// consume a (node, task) pair and return the transformed task. A
// processor may return a retriable or non-retriable error, or record a
// soft business failure under the document's "error" key instead of
// failing.
type Processor interface {
	// Name is the processor name nodes resolve against
	Name() string

	// Run executes the transformation for one node
	Run(ctx context.Context, node *pipeline.Node, t *task.Task) (*task.Task, error)
}

// Registry is the name-indexed dispatch table of processors. The set is
// closed at startup: registration happens once during configuration load
// and there are no overwrite semantics.
type Registry struct {
	processors map[string]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register adds a processor under its own name. Registering the same
// name twice is a configuration error.
func (r *Registry) Register(p Processor) error {
	if p == nil {
		return fmt.Errorf("processor cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("processor name cannot be empty")
	}
	if _, exists := r.processors[name]; exists {
		return fmt.Errorf("processor %q already registered", name)
	}
	r.processors[name] = p
	return nil
}

// Get returns the processor registered under name.
func (r *Registry) Get(name string) (Processor, bool) {
	p, ok := r.processors[name]
	return p, ok
}

// Names returns every registered processor name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.processors))
	for n := range r.processors {
		names = append(names, n)
	}
	return names
}

// Validate checks a set of processor names against the registry. Unknown
// names are rejected here, at configuration-load time, so a misconfigured
// pipeline fails fast instead of failing at dispatch.
func (r *Registry) Validate(names ...string) error {
	for _, n := range names {
		if _, ok := r.processors[n]; !ok {
			return sdkerrors.NewUnknownProcessor(n)
		}
	}
	return nil
}
