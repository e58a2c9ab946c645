// Package wire defines the worker frame protocol: newline-delimited JSON
// frames exchanged over a persistent duplex stream (websocket).
//
// Every frame has the shape
//
//	{"type": "<kind>", "data": { ... }, "timestamp": "<RFC3339>"}
//
// Frame kinds are split by direction. Worker→server frames carry worker
// identity implicitly via the authenticated connection; payloads reference
// subtasks by id only.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType identifies the kind of a frame.
type FrameType string

// Server→worker frame kinds.
const (
	TypeTaskAssignment FrameType = "task_assignment"
	TypeTaskCancel     FrameType = "task_cancel"
	TypePing           FrameType = "ping"
	TypeNotification   FrameType = "notification"
	TypeRegisterAck    FrameType = "register_ack"
	TypeHeartbeatAck   FrameType = "heartbeat_ack"
)

// Worker→server frame kinds.
const (
	TypeRegister     FrameType = "register"
	TypeHeartbeat    FrameType = "heartbeat"
	TypePong         FrameType = "pong"
	TypeTaskProgress FrameType = "task_progress"
	TypeTaskResult   FrameType = "task_result"
	TypeTaskFailed   FrameType = "task_failed"
	TypeTaskRejected FrameType = "task_rejected"
)

// Frame is the wire envelope. Data stays raw until the receiver decodes it
// into the payload type matching the frame type.
type Frame struct {
	Type      FrameType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds a frame of the given type, marshaling the payload into Data.
func New(frameType FrameType, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", frameType, err)
	}
	return Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// MustNew builds a frame and panics on marshal failure. Reserved for
// payload types under this package's control, which always marshal.
func MustNew(frameType FrameType, payload any) Frame {
	frame, err := New(frameType, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// Decode unmarshals the frame payload into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Encode serializes the frame as one newline-terminated JSON line.
func (f Frame) Encode() ([]byte, error) {
	line, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return append(line, '\n'), nil
}

// Parse decodes one frame from a JSON line. The trailing newline, if
// present, is tolerated by the JSON decoder.
func Parse(line []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type")
	}
	return frame, nil
}

// FromWorker reports whether this frame type originates at the worker.
func (t FrameType) FromWorker() bool {
	switch t {
	case TypeRegister, TypeHeartbeat, TypePong, TypeTaskProgress,
		TypeTaskResult, TypeTaskFailed, TypeTaskRejected:
		return true
	}
	return false
}
