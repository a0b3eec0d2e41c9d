// Package engine executes exactly one pipeline node per invocation:
// resolve references, validate the input contract, evaluate extras,
// inject transient credentials, dispatch to the registered processor,
// strip transient keys, and validate the output contract. The engine
// never touches queue or retry state; the caller hands its result to the
// retry manager.
package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// Engine is the per-node orchestrator.
type Engine struct {
	stores   pipeline.Stores
	registry *Registry
	extras   *pipeline.Evaluator
	logger   *zap.Logger
}

// New creates an engine. All collaborators are required.
func New(stores pipeline.Stores, registry *Registry, evaluator *pipeline.Evaluator, logger *zap.Logger) (*Engine, error) {
	if stores.Users == nil || stores.Pipelines == nil || stores.Nodes == nil || stores.Templates == nil {
		return nil, errors.New("all lookup stores are required")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if evaluator == nil {
		return nil, errors.New("extras evaluator cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Engine{stores: stores, registry: registry, extras: evaluator, logger: logger}, nil
}

// ProcessNode executes the task's next node and returns the updated task.
// The task document is transformed on a scoped copy; the input task is
// left untouched when an error is returned. A soft error recorded by the
// processor under the document's "error" key returns the task with that
// error present, with transient keys stripped and output validation
// skipped.
func (e *Engine) ProcessNode(ctx context.Context, t *task.Task) (*task.Task, error) {
	user, err := e.stores.Users.GetUser(ctx, t.UserID)
	if err != nil || user == nil {
		return t, sdkerrors.NewUserNotFound(t.UserID)
	}

	pipe, err := e.stores.Pipelines.GetPipeline(ctx, t.PipeID)
	if err != nil || pipe == nil {
		return t, sdkerrors.NewPipelineNotFound(t.PipeID)
	}

	nodeID := t.NextNode()
	if nodeID == "" {
		// A task with an empty node path must never be dispatched.
		return t, sdkerrors.NewNonRetriable("task has no remaining nodes", "EMPTY_NODE_PATH", nil)
	}

	node, err := e.stores.Nodes.GetNode(ctx, nodeID)
	if err != nil || node == nil {
		return t, sdkerrors.NewNodeNotFound(nodeID)
	}

	tmpl, err := e.stores.Templates.GetTemplate(ctx, node.TemplateID)
	if err != nil || tmpl == nil {
		return t, sdkerrors.NewTemplateNotFound(node.TemplateID)
	}

	if missing := pipeline.MissingField(tmpl.InputFields, t.Document); missing != "" {
		return t, sdkerrors.NewMissingInputField(missing, node.Name)
	}

	extras, err := e.extras.Evaluate(node, t.Document)
	if err != nil {
		return t, err
	}

	// Phase in the extras and credentials on a scoped copy; the original
	// document is only replaced once the node fully succeeds.
	doc := t.Document.Clone()
	for k, v := range extras {
		doc[k] = v
	}
	injectCredentials(doc, user, node, extras)

	proc, ok := e.registry.Get(node.Processor)
	if !ok {
		return t, sdkerrors.NewUnknownProcessor(node.Processor)
	}

	work := *t
	work.Document = doc

	e.logger.Debug("dispatching processor",
		zap.String("task_id", t.ID),
		zap.String("node_id", node.ID),
		zap.String("processor", node.Processor))

	result, err := proc.Run(ctx, node, &work)
	if err != nil {
		return t, err
	}
	if result == nil {
		return t, sdkerrors.NewNonRetriable(
			"processor "+node.Processor+" returned no task", "NIL_PROCESSOR_RESULT", nil)
	}

	if soft := result.Document.SoftError(); soft != "" {
		// Business-rule soft failure: keep the error visible downstream,
		// but credentials and ephemeral extras still never leave this
		// invocation. Output validation is skipped.
		stripTransient(result.Document, extras)
		e.logger.Warn("processor recorded soft error",
			zap.String("task_id", t.ID),
			zap.String("node_id", node.ID),
			zap.String("processor", node.Processor),
			zap.String("soft_error", soft))
		return result, nil
	}

	stripTransient(result.Document, extras)

	if missing := pipeline.MissingField(tmpl.OutputFields, result.Document); missing != "" {
		return t, sdkerrors.NewMissingOutputField(missing, node.Name)
	}

	e.logger.Info("node executed",
		zap.String("task_id", t.ID),
		zap.String("node_id", node.ID),
		zap.String("processor", node.Processor))

	return result, nil
}
