// Package callback implements the callback processor: it POSTs the
// secure-stripped document to the URI named by the document's
// callback_uri field. HTTP status codes that indicate a transient
// condition map to retriable failures; everything else fails permanently.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

// KeyCallbackURI names the document field carrying the destination URI.
const KeyCallbackURI = "callback_uri"

// retriableStatus lists the HTTP status codes treated as transient.
var retriableStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusConflict:            true, // 409
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// Config holds configuration for the callback processor.
type Config struct {
	// Timeout bounds one callback POST (default: 30s)
	Timeout time.Duration

	// Client overrides the HTTP client (optional)
	Client *http.Client
}

// DefaultConfig returns the default callback configuration.
func DefaultConfig() *Config {
	return &Config{Timeout: 30 * time.Second}
}

// Processor is the callback processor.
type Processor struct {
	templates pipeline.TemplateStore
	client    *http.Client
	logger    *zap.Logger
}

// New creates a callback processor with default configuration.
func New(templates pipeline.TemplateStore, logger *zap.Logger) *Processor {
	return NewWithConfig(templates, DefaultConfig(), logger)
}

// NewWithConfig creates a callback processor with custom configuration.
func NewWithConfig(templates pipeline.TemplateStore, cfg *Config, logger *zap.Logger) *Processor {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Processor{templates: templates, client: client, logger: logger}
}

// Name implements engine.Processor.
func (p *Processor) Name() string { return "callback" }

// Run posts the document to the callback URI. When the template declares
// output fields, only those fields are sent; node and pipeline
// identifiers are always included so the receiver can correlate the call.
func (p *Processor) Run(ctx context.Context, node *pipeline.Node, t *task.Task) (*task.Task, error) {
	tmpl, err := p.templates.GetTemplate(ctx, node.TemplateID)
	if err != nil || tmpl == nil {
		return nil, sdkerrors.NewTemplateNotFound(node.TemplateID)
	}

	uri, _ := t.Document[KeyCallbackURI].(string)
	if uri == "" {
		return nil, sdkerrors.NewNonRetriable(
			"callback processor: callback_uri required in document", "CALLBACK_CONFIG", nil)
	}

	doc := t.Document.Clone()
	doc.StripSecureFields()

	var data task.Document
	if keys := pipeline.Names(tmpl.OutputFields); len(keys) > 0 {
		data = doc.Filter(keys)
	} else {
		data = doc
	}
	data["node_id"] = node.ID
	data["pipe_id"] = t.PipeID

	body, err := json.Marshal(data)
	if err != nil {
		return nil, sdkerrors.NewNonRetriable(
			"callback processor: document is not serializable", "CALLBACK_ENCODE", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, sdkerrors.NewNonRetriable(
			"callback processor: invalid callback_uri", "CALLBACK_CONFIG", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// Connection-level failures are transient by classification.
		return nil, sdkerrors.NewRetriable("callback processor: request failed", "CALLBACK_TRANSPORT", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("callback processor: got status code %d from callback", resp.StatusCode)
		if retriableStatus[resp.StatusCode] {
			return nil, sdkerrors.NewRetriable(msg, "CALLBACK_STATUS", nil)
		}
		return nil, sdkerrors.NewNonRetriable(msg, "CALLBACK_STATUS", nil)
	}

	p.logger.Info("callback delivered",
		zap.String("task_id", t.ID),
		zap.String("node_id", node.ID),
		zap.String("uri", uri))

	return t, nil
}
