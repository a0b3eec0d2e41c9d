package task

import (
	"testing"
	"time"
)

func TestNewTask(t *testing.T) {
	tk := New("t1", "u1", "p1", []string{"n1", "n2"}, Document{"text": "hello"})

	if tk.State != StateRunning {
		t.Errorf("expected state %s, got %s", StateRunning, tk.State)
	}
	if tk.Retries != 0 {
		t.Errorf("expected zero retries, got %d", tk.Retries)
	}
	if tk.NextNode() != "n1" {
		t.Errorf("expected next node n1, got %s", tk.NextNode())
	}
	if tk.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestNewTaskNilDocument(t *testing.T) {
	tk := New("t1", "u1", "p1", nil, nil)
	if tk.Document == nil {
		t.Fatal("expected non-nil document")
	}
}

func TestAdvanceNodeConsumesFromFront(t *testing.T) {
	tk := New("t1", "u1", "p1", []string{"a", "b", "c"}, nil)

	if got := tk.AdvanceNode(); got != "a" {
		t.Errorf("expected a, got %s", got)
	}
	if got := tk.NextNode(); got != "b" {
		t.Errorf("expected b, got %s", got)
	}
	tk.AdvanceNode()
	tk.AdvanceNode()
	if tk.HasRemainingNodes() {
		t.Error("expected no remaining nodes")
	}
	if got := tk.AdvanceNode(); got != "" {
		t.Errorf("expected empty advance on exhausted path, got %s", got)
	}
}

func TestWireFormatRoundTrip(t *testing.T) {
	tk := New("t1", "u1", "p1", []string{"n1"}, Document{"count": float64(3)})
	tk.Retries = 2
	tk.Error = "boom"
	tk.CreatedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	data, err := tk.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes failed: %v", err)
	}

	got, err := FromBytes(data)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if got.ID != "t1" || got.UserID != "u1" || got.PipeID != "p1" {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Retries != 2 || got.Error != "boom" || got.State != StateRunning {
		t.Errorf("lifecycle fields lost: %+v", got)
	}
	if got.Document["count"] != float64(3) {
		t.Errorf("document lost: %v", got.Document)
	}
	if !got.CreatedAt.Equal(tk.CreatedAt) {
		t.Errorf("created_at lost: %v", got.CreatedAt)
	}
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	if _, err := FromBytes([]byte("not json")); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestFromBytesDefaultsDocument(t *testing.T) {
	got, err := FromBytes([]byte(`{"id":"t1","state":"RUNNING"}`))
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if got.Document == nil {
		t.Error("expected non-nil document")
	}
}

func TestDocumentCloneIsDeep(t *testing.T) {
	doc := Document{
		"nested": map[string]any{"a": 1},
		"list":   []any{"x", "y"},
	}
	clone := doc.Clone()

	clone["nested"].(map[string]any)["a"] = 2
	clone["list"].([]any)[0] = "mutated"

	if doc["nested"].(map[string]any)["a"] != 1 {
		t.Error("clone shares nested map with original")
	}
	if doc["list"].([]any)[0] != "x" {
		t.Error("clone shares slice with original")
	}
}

func TestStripSecureFields(t *testing.T) {
	doc := Document{
		KeyServiceToken: "svc",
		KeyDatabaseID:   "db",
		KeyDBToken:      "tok",
		"text":          "keep me",
	}
	if !doc.HasSecureFields() {
		t.Fatal("expected secure fields present")
	}

	doc.StripSecureFields()

	if doc.HasSecureFields() {
		t.Error("expected secure fields removed")
	}
	if doc["text"] != "keep me" {
		t.Error("non-secure field was removed")
	}
}

func TestDocumentFilter(t *testing.T) {
	doc := Document{"a": 1, "b": 2, "c": 3}
	got := doc.Filter([]string{"a", "c", "missing"})

	if len(got) != 2 || got["a"] != 1 || got["c"] != 3 {
		t.Errorf("unexpected filter result: %v", got)
	}
}

func TestSoftError(t *testing.T) {
	if msg := (Document{}).SoftError(); msg != "" {
		t.Errorf("expected empty soft error, got %q", msg)
	}
	if msg := (Document{KeyError: "failed"}).SoftError(); msg != "failed" {
		t.Errorf("expected soft error, got %q", msg)
	}
	if msg := (Document{KeyError: 42}).SoftError(); msg != "" {
		t.Errorf("non-string error values are not soft errors, got %q", msg)
	}
}
