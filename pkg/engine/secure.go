package engine

import (
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// ExtrasKeyServiceToken is the extras key that declares a node's
// credential requirement. When present, the resolved token is injected
// into the document for the duration of one dispatch.
const ExtrasKeyServiceToken = "service_token"

// injectCredentials copies the transient credential keys into the
// document ahead of processor dispatch. The service token is injected
// only when the node's extras declare it, taking the resolved extras
// value (falling back to the raw extras value when the expression
// resolved to a key the document already had). The database identifier
// and access token always come from the user record. The matching
// removal in stripTransient runs unconditionally after dispatch.
func injectCredentials(doc task.Document, user *pipeline.User, node *pipeline.Node, extras map[string]any) {
	if _, declared := node.Extras[ExtrasKeyServiceToken]; declared {
		if v, ok := extras[ExtrasKeyServiceToken]; ok {
			doc[task.KeyServiceToken] = v
		} else if v, ok := node.Extras[ExtrasKeyServiceToken]; ok {
			doc[task.KeyServiceToken] = v
		}
	}

	doc[task.KeyDatabaseID] = user.DBID
	doc[task.KeyDBToken] = user.DBToken
}

// stripTransient removes the credential keys and every key introduced by
// extras evaluation, so neither credentials nor ephemeral configuration
// leak into the persisted document or downstream validation.
func stripTransient(doc task.Document, extras map[string]any) {
	doc.StripSecureFields()
	for k := range extras {
		delete(doc, k)
	}
}
