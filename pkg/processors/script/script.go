// Package script implements the script processor: a sandboxed JavaScript
// transform over the task document for user-defined munging between
// nodes. The script source comes from the node's extras, runs with an
// interrupt-based timeout and no host access, and must evaluate to an
// object whose keys are merged into the document. Structured output is
// enforced; the processor never evaluates text produced by an upstream
// model.
package script

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// ExtrasKeySource names the extras key carrying the script source.
const ExtrasKeySource = "script"

// Config holds configuration for the script processor.
type Config struct {
	// Timeout bounds one script execution (default: 5s)
	Timeout time.Duration
}

// DefaultConfig returns the default script configuration.
func DefaultConfig() *Config {
	return &Config{Timeout: 5 * time.Second}
}

// Processor is the script processor.
type Processor struct {
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a script processor with default configuration.
func New(logger *zap.Logger) *Processor {
	return NewWithConfig(DefaultConfig(), logger)
}

// NewWithConfig creates a script processor with custom configuration.
func NewWithConfig(cfg *Config, logger *zap.Logger) *Processor {
	return &Processor{timeout: cfg.Timeout, logger: logger}
}

// Name implements engine.Processor.
func (p *Processor) Name() string { return "script" }

// Run executes the node's script against a copy of the document and
// merges the returned object back in.
func (p *Processor) Run(ctx context.Context, node *pipeline.Node, t *task.Task) (*task.Task, error) {
	src, _ := node.Extras[ExtrasKeySource].(string)
	if src == "" {
		return nil, sdkerrors.NewNonRetriable(
			"script processor: script source required in extras", "SCRIPT_CONFIG", nil)
	}

	vm := goja.New()
	applySandbox(vm)

	// The script sees a copy; only its returned object flows back.
	if err := vm.Set("document", map[string]any(t.Document.Clone())); err != nil {
		return nil, sdkerrors.NewNonRetriable("script processor: unable to bind document", "SCRIPT_BIND", err)
	}

	timer := time.AfterFunc(p.timeout, func() {
		vm.Interrupt("script timed out")
	})
	defer timer.Stop()

	value, err := vm.RunString(src)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, sdkerrors.NewNonRetriable(
				"script processor: script exceeded its time budget", "SCRIPT_TIMEOUT", err)
		}
		return nil, sdkerrors.NewNonRetriable("script processor: execution failed", "SCRIPT_RUNTIME", err)
	}

	out, ok := value.Export().(map[string]any)
	if !ok {
		return nil, sdkerrors.NewNonRetriable(
			"script processor: script must evaluate to an object", "SCRIPT_OUTPUT", nil)
	}

	for k, v := range out {
		t.Document[k] = v
	}

	p.logger.Debug("script executed",
		zap.String("task_id", t.ID),
		zap.String("node_id", node.ID),
		zap.Int("keys", len(out)))

	return t, nil
}

// applySandbox removes runtime facilities a document transform has no
// business using.
func applySandbox(vm *goja.Runtime) {
	for _, name := range []string{"eval", "Function"} {
		_ = vm.Set(name, goja.Undefined())
	}
}
