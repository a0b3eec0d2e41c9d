package task

// Secure document keys. These exist in a task document only transiently,
// between credential injection and cleanup around a single processor
// dispatch, and must never appear in a document once control returns to
// the caller.
const (
	// KeyServiceToken carries the per-user AI service token
	KeyServiceToken = "SERVICE_TOKEN"

	// KeyDatabaseID carries the analytics database identifier
	KeyDatabaseID = "DATABASE_ID"

	// KeyDBToken carries the analytics database access token
	KeyDBToken = "DB_TOKEN"

	// KeyError is the soft-error channel. A processor sets it to signal
	// a business failure without aborting the engine's control flow.
	KeyError = "error"
)

// secureKeys lists every transient credential key.
var secureKeys = []string{KeyServiceToken, KeyDatabaseID, KeyDBToken}

// Document is the open mapping transformed by every pipeline node.
// Values are JSON-shaped: scalars, []any sequences, or nested
// map[string]any objects.
type Document map[string]any

// Clone returns a deep copy of the document. Nested maps and slices are
// copied recursively so a phase can transform the copy without touching
// the original.
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case Document:
		return map[string]any(val.Clone())
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// StripSecureFields removes every transient credential key from the
// document. Called unconditionally after processor dispatch, and by
// outbound processors before a document leaves the system.
func (d Document) StripSecureFields() {
	for _, k := range secureKeys {
		delete(d, k)
	}
}

// HasSecureFields reports whether any transient credential key is present.
func (d Document) HasSecureFields() bool {
	for _, k := range secureKeys {
		if _, ok := d[k]; ok {
			return true
		}
	}
	return false
}

// Filter returns a new document containing only the named keys.
func (d Document) Filter(keys []string) Document {
	out := make(Document, len(keys))
	for _, k := range keys {
		if v, ok := d[k]; ok {
			out[k] = v
		}
	}
	return out
}

// SoftError returns the soft-error message recorded by a processor, or
// "" when none is set.
func (d Document) SoftError() string {
	v, ok := d[KeyError]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
