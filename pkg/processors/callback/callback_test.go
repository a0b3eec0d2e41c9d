package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/conveyor/pkg/errors"
	"github.com/wehubfusion/conveyor/pkg/pipeline"
	"github.com/wehubfusion/conveyor/pkg/task"
)

func callbackFixtures(t *testing.T, tmpl *pipeline.Template) (*Processor, *pipeline.Node) {
	t.Helper()
	mem := pipeline.NewMemoryStore()
	mem.PutTemplate(tmpl)
	node := &pipeline.Node{ID: "cb-node", Name: "cb-node", Processor: "callback", TemplateID: tmpl.ID}
	return New(mem, zap.NewNop()), node
}

func TestCallbackPostsFilteredDocument(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proc, node := callbackFixtures(t, &pipeline.Template{
		ID: "tpl-cb", Name: "cb",
		OutputFields: []pipeline.FieldSpec{{Name: "summary"}},
	})

	tk := task.New("t1", "u1", "p1", []string{"cb-node"}, task.Document{
		KeyCallbackURI:       srv.URL,
		"summary":            "done",
		"internal_scratch":   "not sent",
		task.KeyServiceToken: "must never leave",
	})

	if _, err := proc.Run(context.Background(), node, tk); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if received["summary"] != "done" {
		t.Errorf("expected declared output field, got %v", received)
	}
	if _, ok := received["internal_scratch"]; ok {
		t.Error("undeclared fields must not be posted")
	}
	if _, ok := received[task.KeyServiceToken]; ok {
		t.Error("secure fields must never be posted")
	}
	if received["node_id"] != "cb-node" || received["pipe_id"] != "p1" {
		t.Errorf("correlation identifiers missing: %v", received)
	}
}

func TestCallbackPostsWholeDocumentWithoutContract(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	proc, node := callbackFixtures(t, &pipeline.Template{ID: "tpl-cb", Name: "cb"})

	tk := task.New("t1", "u1", "p1", []string{"cb-node"}, task.Document{
		KeyCallbackURI: srv.URL,
		"anything":     "goes",
	})

	if _, err := proc.Run(context.Background(), node, tk); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if received["anything"] != "goes" {
		t.Errorf("expected whole document posted, got %v", received)
	}
}

func TestCallbackStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retriable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		proc, node := callbackFixtures(t, &pipeline.Template{ID: "tpl-cb", Name: "cb"})
		tk := task.New("t1", "u1", "p1", []string{"cb-node"}, task.Document{KeyCallbackURI: srv.URL})

		_, err := proc.Run(context.Background(), node, tk)
		srv.Close()

		if err == nil {
			t.Errorf("status %d: expected error", tc.status)
			continue
		}
		if got := sdkerrors.IsRetriable(err); got != tc.retriable {
			t.Errorf("status %d: retriable = %v, want %v", tc.status, got, tc.retriable)
		}
	}
}

func TestCallbackTransportErrorIsRetriable(t *testing.T) {
	proc, node := callbackFixtures(t, &pipeline.Template{ID: "tpl-cb", Name: "cb"})
	tk := task.New("t1", "u1", "p1", []string{"cb-node"}, task.Document{
		KeyCallbackURI: "http://127.0.0.1:1", // nothing listens here
	})

	_, err := proc.Run(context.Background(), node, tk)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !sdkerrors.IsRetriable(err) {
		t.Error("connection failures must be retriable")
	}
}

func TestCallbackMissingURI(t *testing.T) {
	proc, node := callbackFixtures(t, &pipeline.Template{ID: "tpl-cb", Name: "cb"})
	tk := task.New("t1", "u1", "p1", []string{"cb-node"}, task.Document{})

	_, err := proc.Run(context.Background(), node, tk)
	if code := sdkerrors.CodeOf(err); code != "CALLBACK_CONFIG" {
		t.Errorf("expected CALLBACK_CONFIG, got %s (%v)", code, err)
	}
}
