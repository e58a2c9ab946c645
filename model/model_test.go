package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindTagging(t *testing.T) {
	base := E(KindStaleVersion, "subtask version moved")

	if !IsKind(base, KindStaleVersion) {
		t.Errorf("IsKind() = false, want true for %s", KindStaleVersion)
	}
	if IsKind(base, KindCycleDetected) {
		t.Error("IsKind() matched wrong kind")
	}

	wrapped := fmt.Errorf("commit failed: %w", base)
	if KindOf(wrapped) != KindStaleVersion {
		t.Errorf("KindOf(wrapped) = %s, want %s", KindOf(wrapped), KindStaleVersion)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	tagged := Wrap(KindAssignmentUndelivered, cause, "send to worker failed")

	if !errors.Is(tagged, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindSubtaskTimeout, true},
		{KindAssignmentUndelivered, true},
		{KindStaleVersion, true},
		{KindWorkerDead, true},
		{KindCycleDetected, false},
		{KindNodeExecutionFailed, false},
		{KindWorkflowCancelled, false},
	}

	for _, tt := range tests {
		if got := Retryable(E(tt.kind, "x")); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestRetryableUntagged(t *testing.T) {
	if Retryable(errors.New("plain")) {
		t.Error("untagged errors must not be retryable")
	}
}

func TestWorkflowStatusTerminal(t *testing.T) {
	terminal := []WorkflowStatus{WorkflowCompleted, WorkflowFailed, WorkflowCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	live := []WorkflowStatus{WorkflowDraft, WorkflowPending, WorkflowRunning, WorkflowPaused}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestNodeStatusSatisfied(t *testing.T) {
	if !NodeCompleted.Satisfied() || !NodeSkipped.Satisfied() {
		t.Error("completed and skipped predecessors must satisfy successors")
	}
	if NodeFailed.Satisfied() {
		t.Error("failed predecessor must not satisfy successors")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := Context{"x": float64(5), "branch": "true"}

	raw, err := ctx.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var restored Context
	if err := restored.Scan(raw); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if v, _ := restored.Get("branch"); v != "true" {
		t.Errorf("restored branch = %v, want true", v)
	}
	if v, _ := restored.Get("x"); v != float64(5) {
		t.Errorf("restored x = %v, want 5", v)
	}
}

func TestContextScanNil(t *testing.T) {
	var ctx Context
	if err := ctx.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) error = %v", err)
	}
	if ctx == nil {
		t.Error("Scan(nil) should yield an empty, non-nil map")
	}
}

func TestContextCloneIndependence(t *testing.T) {
	original := Context{"key": "value"}
	clone := original.Clone()
	clone["key"] = "modified"

	if original["key"] != "value" {
		t.Error("mutating the clone must not affect the original")
	}
}

func TestStringListContains(t *testing.T) {
	tools := StringList{"claude-code", "aider"}
	if !tools.Contains("aider") {
		t.Error("Contains() = false, want true")
	}
	if tools.Contains("cursor") {
		t.Error("Contains() = true, want false")
	}
}
