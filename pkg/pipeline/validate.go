package pipeline

import "github.com/wehubfusion/conveyor/pkg/task"

// MissingField returns the name of the first required field absent from
// the document, or "" when every field is present. The document is never
// mutated. Input and output validation both use this; only the field
// list differs.
func MissingField(fields []FieldSpec, doc task.Document) string {
	for _, f := range fields {
		if _, ok := doc[f.Name]; !ok {
			return f.Name
		}
	}
	return ""
}
