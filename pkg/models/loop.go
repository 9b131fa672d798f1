package models

import "time"

// LoopRecord is the scheduler-owned state for one registered recurring
// (or fire-once deferred) task.
type LoopRecord struct {
	TaskID   string    `json:"task_id"`
	Schedule *Schedule `json:"schedule"`

	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	Paused    bool       `json:"paused"`
	Cancelled bool       `json:"cancelled,omitempty"`

	// TargetAddress is the actor id fires are delivered to.
	TargetAddress string `json:"target_address"`
	// TargetAgentID is the agent-tree node the fired task executes against.
	TargetAgentID string         `json:"target_agent_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`

	OptimizationEnabled bool           `json:"optimization_enabled,omitempty"`
	OptimizedParameters map[string]any `json:"optimized_parameters,omitempty"`
	FireCount           int            `json:"fire_count"`
}
