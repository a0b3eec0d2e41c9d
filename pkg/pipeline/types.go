// Package pipeline defines the read-only reference data a task executes
// against: users, pipelines, nodes and their template contracts. It also
// provides the field-contract validator and the extras evaluator used by
// the engine around each processor dispatch.
package pipeline

// FieldSpec describes one required document field. Only the name takes
// part in contract validation today; the struct leaves room for type
// information later.
type FieldSpec struct {
	Name string `json:"name"`
}

// Names flattens a field list to its field names.
func Names(fields []FieldSpec) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

// Template declares the input/output field contract for a node's
// processor, plus an optional template body used by templating-capable
// processors.
type Template struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Text         string      `json:"text,omitempty"`
	InputFields  []FieldSpec `json:"input_fields"`
	OutputFields []FieldSpec `json:"output_fields"`
}

// Node is one step of a pipeline. Processor names a registered
// transformation; Extras is node-level configuration whose string values
// may contain template expressions referencing document fields.
type Node struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Processor  string         `json:"processor"`
	TemplateID string         `json:"template_id"`
	Extras     map[string]any `json:"extras,omitempty"`
}

// Pipeline is an ordered, user-owned list of node identifiers. It is
// read-only during task execution.
type Pipeline struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	UserID  string   `json:"user_id"`
	NodeIDs []string `json:"node_ids"`
}

// User owns pipelines and carries the credentials injected transiently
// into a document around a processor dispatch.
type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DBID         string `json:"dbid"`
	DBToken      string `json:"db_token"`
	ServiceToken string `json:"service_token,omitempty"`
}
