package models

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		ok   bool
	}{
		{"created to running", TaskStatusCreated, TaskStatusRunning, true},
		{"created to scheduled", TaskStatusCreated, TaskStatusScheduled, true},
		{"running to need_input", TaskStatusRunning, TaskStatusNeedInput, true},
		{"need_input to running", TaskStatusNeedInput, TaskStatusRunning, true},
		{"running to completed", TaskStatusRunning, TaskStatusCompleted, true},
		{"running to cancelled", TaskStatusRunning, TaskStatusCancelled, true},
		{"paused to completed when a result races the pause", TaskStatusPaused, TaskStatusCompleted, true},
		{"completed to running forbidden", TaskStatusCompleted, TaskStatusRunning, false},
		{"failed to running forbidden", TaskStatusFailed, TaskStatusRunning, false},
		{"cancelled to running forbidden", TaskStatusCancelled, TaskStatusRunning, false},
		{"completed to archived", TaskStatusCompleted, TaskStatusArchived, true},
		{"archived is final", TaskStatusArchived, TaskStatusRunning, false},
		{"created to completed skips running", TaskStatusCreated, TaskStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
	assert.True(t, TaskStatusArchived.Terminal())
	assert.False(t, TaskStatusRunning.Terminal())
	assert.False(t, TaskStatusNeedInput.Terminal())
	assert.False(t, TaskStatusPaused.Terminal())
}

// TestTransitionDAGProperties verifies the transition table forms the
// specified DAG: every status is a defined enum value, terminal states
// (other than archival) have no outgoing edges, and no transition leads
// to an undefined status.
func TestTransitionDAGProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genStatus := gen.OneConstOf(
		TaskStatusCreated, TaskStatusScheduled, TaskStatusRunning,
		TaskStatusPaused, TaskStatusNeedInput, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusArchived,
	)

	properties.Property("every status value is valid", prop.ForAll(
		func(s TaskStatus) bool { return s.IsValid() },
		genStatus,
	))

	properties.Property("terminal states only archive", prop.ForAll(
		func(from, to TaskStatus) bool {
			if !from.Terminal() || from == TaskStatusArchived {
				return true
			}
			if CanTransition(from, to) {
				return to == TaskStatusArchived
			}
			return true
		},
		genStatus, genStatus,
	))

	properties.Property("transitions land on valid statuses", prop.ForAll(
		func(from, to TaskStatus) bool {
			if CanTransition(from, to) {
				return to.IsValid()
			}
			return true
		},
		genStatus, genStatus,
	))

	properties.Property("archived has no outgoing edges", prop.ForAll(
		func(to TaskStatus) bool { return !CanTransition(TaskStatusArchived, to) },
		genStatus,
	))

	properties.TestingRun(t)
}

func TestScheduleValidate(t *testing.T) {
	require.NoError(t, (&Schedule{IntervalSec: 60}).Validate())
	require.NoError(t, (&Schedule{CronExpr: "0 * * * *"}).Validate())
	require.Error(t, (&Schedule{}).Validate())
	require.Error(t, (&Schedule{IntervalSec: 60, CronExpr: "* * * * *"}).Validate())
}
