// Package templater implements the template processor: it renders the
// node template's text against the current document in a single pass,
// parses the rendering as JSON, and merges the resulting keys into the
// document. Authoring errors (bad template syntax, non-JSON output) are
// configuration errors and never retried.
package templater

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// Processor is the template processor.
type Processor struct {
	templates pipeline.TemplateStore
	evaluator *pipeline.Evaluator
	logger    *zap.Logger
}

// New creates a template processor sharing the engine's evaluator so
// rendering uses the same helper set and per-invocation context rules.
func New(templates pipeline.TemplateStore, evaluator *pipeline.Evaluator, logger *zap.Logger) *Processor {
	return &Processor{templates: templates, evaluator: evaluator, logger: logger}
}

// Name implements engine.Processor.
func (p *Processor) Name() string { return "template" }

// Run renders the template body and merges its JSON output into the
// document.
func (p *Processor) Run(ctx context.Context, node *pipeline.Node, t *task.Task) (*task.Task, error) {
	tmpl, err := p.templates.GetTemplate(ctx, node.TemplateID)
	if err != nil || tmpl == nil {
		return nil, sdkerrors.NewTemplateNotFound(node.TemplateID)
	}
	if tmpl.Text == "" {
		return nil, sdkerrors.NewNonRetriable(
			"template processor: template text required", "TEMPLATE_TEXT_MISSING", nil)
	}

	rendered, err := p.evaluator.Render(tmpl.Text, map[string]any(t.Document))
	if err != nil {
		return nil, sdkerrors.NewNonRetriable(
			"template processor: unable to render template", "TEMPLATE_RENDER", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(rendered), &out); err != nil {
		return nil, sdkerrors.NewNonRetriable(
			"template processor: rendered output is not valid JSON", "TEMPLATE_PARSE", err)
	}

	for k, v := range out {
		t.Document[k] = v
	}

	p.logger.Debug("template rendered",
		zap.String("task_id", t.ID),
		zap.String("template_id", tmpl.ID),
		zap.Int("keys", len(out)))

	return t, nil
}
