package registry

import (
	"context"
	"sort"
	"testing"

	"go.uber.org/zap"

	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

type nopCreator struct{}

func (nopCreator) CreateTask(context.Context, *task.Task) error { return nil }

func TestNewRegistersBuiltins(t *testing.T) {
	mem := pipeline.NewMemoryStore()
	reg, err := New(mem.Stores(), pipeline.NewEvaluator(pipeline.DefaultFuncs()), nopCreator{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got := reg.Names()
	sort.Strings(got)
	want := []string{"callback", "script", "split", "template"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}

	if err := reg.Validate("template", "split", "callback", "script"); err != nil {
		t.Errorf("built-ins must validate: %v", err)
	}
	if err := reg.Validate("embeddings"); err == nil {
		t.Error("expected unknown processor to be rejected")
	}
}
