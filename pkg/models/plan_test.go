package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlan() *ExecutionPlan {
	return &ExecutionPlan{
		TaskID: "T1",
		Goal:   "run weekly report",
		Steps: []PlanStep{
			{Seq: 0, Name: "fetch", Class: ExecutorClassAgent, ExecutorID: "node-1",
				Instruction: "fetch the raw data"},
			{Seq: 1, Name: "summarize", Class: ExecutorClassTool, ExecutorID: "summarizer",
				Parameters: map[string]any{"input": "$fetch"}},
		},
	}
}

func TestExecutionPlanValidate(t *testing.T) {
	t.Run("valid plan passes", func(t *testing.T) {
		require.NoError(t, validPlan().Validate())
	})

	t.Run("empty plan fails", func(t *testing.T) {
		p := &ExecutionPlan{TaskID: "T1"}
		require.Error(t, p.Validate())
	})

	t.Run("non-monotonic sequence fails", func(t *testing.T) {
		p := validPlan()
		p.Steps[1].Seq = 0
		require.Error(t, p.Validate())
	})

	t.Run("forward reference fails", func(t *testing.T) {
		p := validPlan()
		p.Steps[0].Parameters = map[string]any{"input": "$summarize"}
		require.Error(t, p.Validate())
	})

	t.Run("self reference fails", func(t *testing.T) {
		p := validPlan()
		p.Steps[0].Parameters = map[string]any{"input": "$fetch"}
		require.Error(t, p.Validate())
	})

	t.Run("duplicate names fail", func(t *testing.T) {
		p := validPlan()
		p.Steps[1].Name = "fetch"
		require.Error(t, p.Validate())
	})

	t.Run("unknown executor class fails", func(t *testing.T) {
		p := validPlan()
		p.Steps[0].Class = ExecutorClass("ROBOT")
		require.Error(t, p.Validate())
	})
}

// Serialization round-trip law: serialize → deserialize → serialize is
// the identity on the wire form.
func TestExecutionPlanRoundTrip(t *testing.T) {
	p := validPlan()
	p.Steps[1].IsParallel = true
	p.Steps[1].ReplicaCount = 3
	p.Steps[1].Aggregation = AggregateList
	p.Steps[1].Optimization = &OptimizationSpec{Enabled: true, UserGoal: "maximize click rate", MaxRounds: 5}

	first, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded ExecutionPlan
	require.NoError(t, json.Unmarshal(first, &decoded))

	second, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, *p, decoded)
}

func TestPlanStepReferences(t *testing.T) {
	step := PlanStep{Parameters: map[string]any{
		"a":     "$fetch",
		"b":     "plain",
		"count": 3,
	}}
	assert.ElementsMatch(t, []string{"fetch"}, step.References())
}

func TestKnownAggregation(t *testing.T) {
	for _, s := range []AggregationStrategy{AggregateList, AggregateLast, AggregateMean,
		AggregateMajority, AggregateSum, AggregateMin, AggregateMax} {
		assert.True(t, KnownAggregation(s), string(s))
	}
	assert.False(t, KnownAggregation(AggregationStrategy("median")))
}
