package protocol

import (
	"encoding/json"
	"fmt"
)

// Wire message types accepted from the inbound queue.
const (
	WireStartTask  = "START_TASK"
	WireResumeTask = "RESUME_TASK"
)

// ScheduleMeta carries optional scheduler provenance on START_TASK messages.
type ScheduleMeta struct {
	DefinitionID string         `json:"definition_id,omitempty"`
	InputParams  map[string]any `json:"input_params,omitempty"`
}

// WireMessage is the JSON envelope of an inbound queue message. Delivery is
// at-least-once; the listener deduplicates on task_id within a short window.
type WireMessage struct {
	MsgType      string         `json:"msg_type"`
	TaskID       string         `json:"task_id"`
	TraceID      string         `json:"trace_id,omitempty"`
	TaskPath     string         `json:"task_path,omitempty"`
	UserInput    string         `json:"user_input,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ScheduleMeta *ScheduleMeta  `json:"schedule_meta,omitempty"`
}

// ParseWireMessage decodes and validates an inbound queue payload.
// Unknown message types are rejected at the boundary.
func ParseWireMessage(data []byte) (*WireMessage, error) {
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed queue message: %w", err)
	}
	switch msg.MsgType {
	case WireStartTask, WireResumeTask:
	default:
		return nil, fmt.Errorf("unknown queue message type %q", msg.MsgType)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("queue message missing task_id")
	}
	return &msg, nil
}
