// Package registry builds the closed set of built-in processors at
// startup. Pipelines referencing any other processor name are rejected
// at configuration-load time via engine.Registry.Validate.
package registry

import (
	"go.uber.org/zap"

	"github.com/wehubfusion/conveyor/pkg/engine"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/processors/callback"
	"github.com/wehubfusion/conveyor/pkg/processors/script"
	"github.com/wehubfusion/conveyor/pkg/processors/splitter"
	"github.com/wehubfusion/conveyor/pkg/processors/templater"
)

// New creates a registry with all built-in processors registered.
// The creator is the durable queue the splitter spawns tasks into.
func New(stores pipeline.Stores, evaluator *pipeline.Evaluator, creator splitter.TaskCreator, logger *zap.Logger) (*engine.Registry, error) {
	r := engine.NewRegistry()

	if err := r.Register(templater.New(stores.Templates, evaluator, logger)); err != nil {
		return nil, err
	}
	if err := r.Register(splitter.New(stores.Templates, creator, logger)); err != nil {
		return nil, err
	}
	if err := r.Register(callback.New(stores.Templates, logger)); err != nil {
		return nil, err
	}
	if err := r.Register(script.New(logger)); err != nil {
		return nil, err
	}

	return r, nil
}
