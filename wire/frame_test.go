package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestFrameEncodeParse(t *testing.T) {
	taskID := uuid.New()
	frame, err := New(TypeTaskProgress, TaskProgress{
		TaskID:   taskID,
		Progress: 40,
		Message:  "compiling",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	line, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.HasSuffix(line, []byte("\n")) {
		t.Error("encoded frame must be newline-terminated")
	}

	parsed, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Type != TypeTaskProgress {
		t.Errorf("parsed type = %s, want %s", parsed.Type, TypeTaskProgress)
	}

	var progress TaskProgress
	if err := parsed.Decode(&progress); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if progress.TaskID != taskID {
		t.Errorf("task id = %s, want %s", progress.TaskID, taskID)
	}
	if progress.Progress != 40 {
		t.Errorf("progress = %d, want 40", progress.Progress)
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("Parse() should reject malformed JSON")
	}
	if _, err := Parse([]byte(`{"data":{}}`)); err == nil {
		t.Error("Parse() should reject frames without a type")
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	frame := Frame{Type: TypeTaskResult}
	var result TaskResult
	if err := frame.Decode(&result); err == nil {
		t.Error("Decode() should fail on an empty payload")
	}
}

func TestFromWorker(t *testing.T) {
	workerKinds := []FrameType{
		TypeRegister, TypeHeartbeat, TypePong,
		TypeTaskProgress, TypeTaskResult, TypeTaskFailed, TypeTaskRejected,
	}
	for _, kind := range workerKinds {
		if !kind.FromWorker() {
			t.Errorf("%s.FromWorker() = false, want true", kind)
		}
	}

	serverKinds := []FrameType{
		TypeTaskAssignment, TypeTaskCancel, TypePing,
		TypeNotification, TypeRegisterAck, TypeHeartbeatAck,
	}
	for _, kind := range serverKinds {
		if kind.FromWorker() {
			t.Errorf("%s.FromWorker() = true, want false", kind)
		}
	}
}

func TestPingFrameRoundTrip(t *testing.T) {
	frame := MustNew(TypePing, Ping{})
	line, err := frame.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	parsed, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Type != TypePing {
		t.Errorf("type = %s, want %s", parsed.Type, TypePing)
	}
}
