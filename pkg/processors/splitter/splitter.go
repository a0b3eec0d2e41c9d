// Package splitter implements the fan-out processor: one task whose
// relevant fields are long parallel lists is decomposed into N
// independent successor tasks, each carrying a bounded slice and the
// remaining node path. Record counts are preserved across the split.
package splitter

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// ExtrasKeyBatchSize configures the maximum slice length per spawned task.
const ExtrasKeyBatchSize = "batch_size"

// TaskCreator persists a newly spawned task. Implemented by the durable
// queue. Each creation is an independent, uncoordinated insertion;
// partial failure is reported, not rolled back.
type TaskCreator interface {
	CreateTask(ctx context.Context, t *task.Task) error
}

// Processor is the split processor.
type Processor struct {
	templates pipeline.TemplateStore
	creator   TaskCreator
	logger    *zap.Logger
}

// New creates a split processor.
func New(templates pipeline.TemplateStore, creator TaskCreator, logger *zap.Logger) *Processor {
	return &Processor{templates: templates, creator: creator, logger: logger}
}

// Name implements engine.Processor.
func (p *Processor) Name() string { return "split" }

// Run splits the task's list-valued fields into batches. Every template
// output field must also be an input field (splitting only acts on fields
// the node is allowed to touch), be list-valued, and have the same length
// as every other split field. The original task's document is consumed
// from the front; its node path collapses to the split node alone so it
// is never re-dispatched through the rest of the pipeline.
func (p *Processor) Run(ctx context.Context, node *pipeline.Node, t *task.Task) (*task.Task, error) {
	tmpl, err := p.templates.GetTemplate(ctx, node.TemplateID)
	if err != nil || tmpl == nil {
		return nil, sdkerrors.NewTemplateNotFound(node.TemplateID)
	}
	if len(tmpl.InputFields) == 0 {
		return nil, sdkerrors.NewNonRetriable("split: input fields required", "SPLIT_CONTRACT", nil)
	}
	if len(tmpl.OutputFields) == 0 {
		return nil, sdkerrors.NewNonRetriable("split: output fields required", "SPLIT_CONTRACT", nil)
	}

	batchSize, err := batchSizeFromExtras(node.Extras)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]bool, len(tmpl.InputFields))
	for _, f := range tmpl.InputFields {
		inputs[f.Name] = true
	}

	// Split fields must be positionally aligned parallel lists.
	fields := pipeline.Names(tmpl.OutputFields)
	total := -1
	for _, name := range fields {
		if !inputs[name] {
			return nil, sdkerrors.NewNonRetriable(
				fmt.Sprintf("split: output field %q not found in input fields", name), "SPLIT_CONTRACT", nil)
		}
		list, ok := t.Document[name].([]any)
		if !ok {
			return nil, sdkerrors.NewNonRetriable(
				fmt.Sprintf("split: field %q must be list-valued, got %T", name, t.Document[name]), "SPLIT_CONTRACT", nil)
		}
		if total == -1 {
			total = len(list)
		} else if len(list) != total {
			return nil, sdkerrors.NewNonRetriable(
				"split: field lengths must be equal to re-batch a task", "SPLIT_MISALIGNED", nil)
		}
	}

	batches := int(math.Ceil(float64(total) / float64(batchSize)))
	remaining := append([]string(nil), t.Nodes[1:]...)

	p.logger.Info("splitting task",
		zap.String("task_id", t.ID),
		zap.Int("total", total),
		zap.Int("batch_size", batchSize),
		zap.Int("batches", batches))

	for i := 0; i < batches; i++ {
		batchDoc := task.Document{}
		for _, name := range fields {
			list := t.Document[name].([]any)
			n := batchSize
			if n > len(list) {
				n = len(list)
			}
			batchDoc[name] = list[:n]
			t.Document[name] = list[n:]
		}

		spawned := task.New(uuid.NewString(), t.UserID, t.PipeID, append([]string(nil), remaining...), batchDoc)
		if err := p.creator.CreateTask(ctx, spawned); err != nil {
			return nil, sdkerrors.NewNonRetriable(
				fmt.Sprintf("split: created %d of %d batches before failure", i, batches), "SPLIT_PARTIAL", err)
		}

		p.logger.Info("spawned split task",
			zap.String("parent_id", t.ID),
			zap.String("task_id", spawned.ID),
			zap.Int("batch", i),
			zap.Int("batches", batches))
	}

	// The original task exists only to be acknowledged and discarded.
	t.Nodes = t.Nodes[:1]
	return t, nil
}

// batchSizeFromExtras reads the configured batch size, accepting the
// numeric and string encodings JSON round-trips produce.
func batchSizeFromExtras(extras map[string]any) (int, error) {
	raw, ok := extras[ExtrasKeyBatchSize]
	if !ok {
		return 0, sdkerrors.NewNonRetriable("split: batch_size must be specified in extras", "SPLIT_CONFIG", nil)
	}

	var size int
	switch v := raw.(type) {
	case int:
		size = v
	case float64:
		size = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, sdkerrors.NewNonRetriable("split: batch_size is not an integer", "SPLIT_CONFIG", err)
		}
		size = n
	default:
		return 0, sdkerrors.NewNonRetriable(
			fmt.Sprintf("split: batch_size has unsupported type %T", raw), "SPLIT_CONFIG", nil)
	}

	if size <= 0 {
		return 0, sdkerrors.NewNonRetriable("split: batch_size must be positive", "SPLIT_CONFIG", nil)
	}
	return size, nil
}
