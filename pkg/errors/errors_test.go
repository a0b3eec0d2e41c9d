package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	if !IsRetriable(NewRetriable("busy", "BUSY", nil)) {
		t.Error("retriable error misclassified")
	}
	if IsRetriable(NewNonRetriable("bad", "BAD", nil)) {
		t.Error("non-retriable error misclassified")
	}
	if IsRetriable(stderrors.New("plain")) {
		t.Error("unknown errors must be non-retriable")
	}
	if IsRetriable(nil) {
		t.Error("nil is not retriable")
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("while dispatching: %w", NewRetriable("busy", "BUSY", nil))
	if !IsRetriable(wrapped) {
		t.Error("classification lost through wrapping")
	}
	if CodeOf(wrapped) != "BUSY" {
		t.Errorf("code lost through wrapping: %s", CodeOf(wrapped))
	}
}

func TestErrorStringIncludesCodeAndCause(t *testing.T) {
	cause := stderrors.New("dial refused")
	err := NewRetriable("request failed", "TRANSPORT", cause)

	msg := err.Error()
	if msg != "[TRANSPORT] request failed: dial refused" {
		t.Errorf("unexpected message: %s", msg)
	}
	if !stderrors.Is(err, cause) {
		t.Error("cause must be reachable via Unwrap")
	}
}

func TestCodeOfUnknown(t *testing.T) {
	if CodeOf(stderrors.New("plain")) != "UNKNOWN" {
		t.Error("expected UNKNOWN for unclassified errors")
	}
}

func TestSpecializations(t *testing.T) {
	cases := []struct {
		err  *Error
		code string
	}{
		{NewUserNotFound("u1"), "USER_NOT_FOUND"},
		{NewPipelineNotFound("p1"), "PIPELINE_NOT_FOUND"},
		{NewNodeNotFound("n1"), "NODE_NOT_FOUND"},
		{NewTemplateNotFound("t1"), "TEMPLATE_NOT_FOUND"},
		{NewMissingInputField("text", "node"), "MISSING_INPUT_FIELD"},
		{NewMissingOutputField("summary", "node"), "MISSING_OUTPUT_FIELD"},
		{NewUnknownProcessor("ghost"), "UNKNOWN_PROCESSOR"},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("expected code %s, got %s", tc.code, tc.err.Code)
		}
		if tc.err.Kind != NonRetriable {
			t.Errorf("%s must be non-retriable", tc.code)
		}
	}
}
