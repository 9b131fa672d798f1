package models

import "time"

// DimensionType classifies a tunable parameter dimension.
type DimensionType string

// Dimension types.
const (
	DimensionNumeric     DimensionType = "numeric"
	DimensionCategorical DimensionType = "categorical"
	DimensionBoolean     DimensionType = "boolean"
)

// Dimension is one tunable axis of a loop task's parameter space.
type Dimension struct {
	Name string        `json:"name"`
	Type DimensionType `json:"type"`

	// Numeric bounds (inclusive). Ignored for other types.
	Min float64 `json:"min,omitempty"`
	Max float64 `json:"max,omitempty"`

	// Choices for categorical dimensions.
	Choices []string `json:"choices,omitempty"`
}

// ExecutionFeedback is one observed execution of a loop task, fed to the
// optimizer. Score, when present, is in [0,1]; when absent the optimizer
// derives one from Success and Duration.
type ExecutionFeedback struct {
	TaskID     string         `json:"task_id"`
	Parameters map[string]any `json:"parameters"`
	Score      *float64       `json:"score,omitempty"`
	Success    bool           `json:"success"`
	Duration   time.Duration  `json:"duration"`
	ObservedAt time.Time      `json:"observed_at"`
}

// OptimizerState is the persistent per-loop-task learner state.
type OptimizerState struct {
	TaskID     string              `json:"task_id"`
	Dimensions []Dimension         `json:"dimensions,omitempty"`
	History    []ExecutionFeedback `json:"history,omitempty"`

	BestParameters map[string]any `json:"best_parameters,omitempty"`
	BestScore      float64        `json:"best_score"`
	Trials         int            `json:"trials"`

	// FeedbackWindow is K: an updated parameter vector is pushed to the
	// scheduler after every K feedback records.
	FeedbackWindow int `json:"feedback_window"`
}
