package pipeline

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// Evaluator resolves a node's templated extras against a task document.
// It is constructed explicitly with its helper functions rather than
// relying on a process-wide template environment, so rendering is
// deterministic and testable in isolation.
type Evaluator struct {
	funcs template.FuncMap
}

// NewEvaluator creates an evaluator with the given helper functions.
// Pass DefaultFuncs() for the standard helper set.
func NewEvaluator(funcs template.FuncMap) *Evaluator {
	if funcs == nil {
		funcs = template.FuncMap{}
	}
	return &Evaluator{funcs: funcs}
}

var sampleWords = []string{
	"rapid", "copper", "meadow", "signal", "harbor", "lattice",
	"ember", "quartz", "drift", "cobalt", "sable", "willow",
}

// DefaultFuncs returns the helper functions available inside extras and
// template-text expressions.
func DefaultFuncs() template.FuncMap {
	titleCaser := cases.Title(language.English)
	return template.FuncMap{
		"randomWord": func() string {
			return sampleWords[rand.Intn(len(sampleWords))]
		},
		"randomSentence": func() string {
			parts := make([]string, 4)
			for i := range parts {
				parts[i] = sampleWords[rand.Intn(len(sampleWords))]
			}
			return titleCaser.String(parts[0]) + " " + strings.Join(parts[1:], " ") + "."
		},
		"title": titleCaser.String,
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
	}
}

// Evaluate resolves the node's extras against the document and returns
// the resolved extra values that are genuinely new configuration: any
// resulting key already present in the document is dropped, so extras can
// reference document fields without ever overwriting them.
//
// The merged structure (extras over a copy of the document, extras
// winning on collision for evaluation purposes only) is rendered as a
// template against itself in a single pass; the rendering is then parsed
// back into a structured value. Rendering or parsing failures are
// configuration authoring errors and never retried.
func (e *Evaluator) Evaluate(node *Node, doc task.Document) (map[string]any, error) {
	if len(node.Extras) == 0 {
		return nil, nil
	}

	merged := map[string]any(doc.Clone())
	for k, v := range node.Extras {
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, sdkerrors.NewNonRetriable(
			"extras for node "+node.Name+" are not serializable", "EXTRAS_ENCODE", err)
	}

	rendered, err := e.Render(string(raw), merged)
	if err != nil {
		return nil, sdkerrors.NewNonRetriable(
			"unable to render extras for node "+node.Name, "EXTRAS_RENDER", err)
	}

	var resolved map[string]any
	if err := json.Unmarshal([]byte(rendered), &resolved); err != nil {
		return nil, sdkerrors.NewNonRetriable(
			"rendered extras for node "+node.Name+" are not valid JSON", "EXTRAS_PARSE", err)
	}

	for k := range resolved {
		if _, exists := doc[k]; exists {
			delete(resolved, k)
		}
	}
	return resolved, nil
}

// Render renders one template body against the given context in a single
// pass. No recursive re-templating is performed on the output. Referencing
// a key missing from the context is a rendering error.
func (e *Evaluator) Render(text string, context map[string]any) (string, error) {
	tpl, err := template.New("render").Funcs(e.funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, context); err != nil {
		return "", err
	}
	return buf.String(), nil
}
