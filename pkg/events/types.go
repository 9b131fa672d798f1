// Package events is the fire-and-forget observability channel for lifecycle
// events. Publishers never wait and never surface errors; the bus is not on
// the critical path of any task's correctness.
package events

import "time"

// EventType is the closed set of lifecycle event kinds.
type EventType string

// Lifecycle event types.
const (
	EventTaskCreated   EventType = "task.created"
	EventTaskStarted   EventType = "task.started"
	EventTaskPaused    EventType = "task.paused"
	EventTaskResumed   EventType = "task.resumed"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskTriggered EventType = "task.triggered"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"

	EventLoopRegistered      EventType = "loop.registered"
	EventOptimizationApplied EventType = "optimization.applied"
)

// Level qualifies an event's severity.
type Level string

// Event levels.
const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one lifecycle observation.
type Event struct {
	TraceID   string         `json:"trace_id"`
	Type      EventType      `json:"event_type"`
	Source    string         `json:"source"`
	Level     Level          `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives events. Implementations swallow their own errors; a failing
// sink never propagates into task execution.
type Sink interface {
	Publish(event Event)
}
