package models

import (
	"fmt"
	"strings"
)

// ExecutorClass identifies how a plan step is executed.
type ExecutorClass string

// Executor classes. AGENT steps recurse into an agent-tree node;
// TOOL steps invoke an external connector directly.
const (
	ExecutorClassAgent ExecutorClass = "AGENT"
	ExecutorClassTool  ExecutorClass = "TOOL"
)

// AggregationStrategy is the closed-set reducer over parallel replica results.
type AggregationStrategy string

// Aggregation strategies.
const (
	AggregateList     AggregationStrategy = "list"
	AggregateLast     AggregationStrategy = "last"
	AggregateMean     AggregationStrategy = "mean"
	AggregateMajority AggregationStrategy = "majority"
	AggregateSum      AggregationStrategy = "sum"
	AggregateMin      AggregationStrategy = "min"
	AggregateMax      AggregationStrategy = "max"
)

// KnownAggregation reports whether s is one of the closed-set strategies.
func KnownAggregation(s AggregationStrategy) bool {
	switch s {
	case AggregateList, AggregateLast, AggregateMean, AggregateMajority,
		AggregateSum, AggregateMin, AggregateMax:
		return true
	}
	return false
}

// OptimizationSpec enables the parallel aggregator's optimization loop
// instead of simple repetition.
type OptimizationSpec struct {
	Enabled        bool   `json:"enabled"`
	UserGoal       string `json:"user_goal"`
	MaxRounds      int    `json:"max_rounds,omitempty"`      // default 5
	BatchSize      int    `json:"batch_size,omitempty"`      // K, bounded by replica count
	FeedbackWindow int    `json:"feedback_window,omitempty"` // loop-task feedback window
}

// PlanStep is one step of an execution plan.
type PlanStep struct {
	// Seq is the monotonic sequence number within the plan.
	Seq int `json:"seq"`
	// Name is the symbolic name other steps use to reference this step's
	// output ($name references).
	Name string `json:"name"`

	Class      ExecutorClass `json:"class"`
	ExecutorID string        `json:"executor_id"`

	// Instruction is the free-text directive for the step (threading rule a).
	Instruction string `json:"instruction,omitempty"`
	// Parameters is the structured form; string values of the form "$name"
	// reference earlier step outputs (threading rule b).
	Parameters map[string]any `json:"parameters,omitempty"`

	IsParallel   bool                `json:"is_parallel,omitempty"`
	ReplicaCount int                 `json:"replica_count,omitempty"`
	Aggregation  AggregationStrategy `json:"aggregation,omitempty"`

	Optimization *OptimizationSpec `json:"optimization,omitempty"`
}

// References returns the symbolic names of earlier steps this step's
// parameters point at.
func (s *PlanStep) References() []string {
	var refs []string
	for _, v := range s.Parameters {
		if str, ok := v.(string); ok && strings.HasPrefix(str, "$") {
			refs = append(refs, strings.TrimPrefix(str, "$"))
		}
	}
	return refs
}

// ExecutionPlan is an ordered sequence of steps produced by the planner.
type ExecutionPlan struct {
	TaskID string     `json:"task_id"`
	Goal   string     `json:"goal,omitempty"`
	Steps  []PlanStep `json:"steps"`
}

// Validate enforces the plan invariants: non-empty, strictly increasing
// sequence numbers, unique symbolic names, and references that point only
// at strictly earlier steps.
func (p *ExecutionPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	seen := make(map[string]int, len(p.Steps))
	prevSeq := -1
	for i, step := range p.Steps {
		if step.Seq <= prevSeq {
			return fmt.Errorf("step %d: sequence number %d not monotonic", i, step.Seq)
		}
		prevSeq = step.Seq
		if step.Name == "" {
			return fmt.Errorf("step %d: missing symbolic name", i)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("step %d: duplicate symbolic name %q", i, step.Name)
		}
		if step.Class != ExecutorClassAgent && step.Class != ExecutorClassTool {
			return fmt.Errorf("step %q: unknown executor class %q", step.Name, step.Class)
		}
		for _, ref := range step.References() {
			if _, ok := seen[ref]; !ok {
				return fmt.Errorf("step %q: reference to unknown or later step %q", step.Name, ref)
			}
		}
		seen[step.Name] = i
	}
	return nil
}
