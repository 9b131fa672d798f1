package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/llm"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

func TestDeriveScore(t *testing.T) {
	tests := []struct {
		name     string
		success  bool
		duration time.Duration
		want     float64
	}{
		{"failure is zero", false, time.Millisecond, 0.0},
		{"fast success", true, 500 * time.Millisecond, 0.9},
		{"normal success", true, 3 * time.Second, 0.7},
		{"slow success", true, 15 * time.Second, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DeriveScore(tt.success, tt.duration), 1e-9)
		})
	}
}

func TestLearnerProposalsStayInBounds(t *testing.T) {
	dims := []models.Dimension{
		{Name: "batch", Type: models.DimensionNumeric, Min: 1, Max: 100},
		{Name: "mode", Type: models.DimensionCategorical, Choices: []string{"fast", "slow"}},
		{Name: "cache", Type: models.DimensionBoolean},
	}
	learner := NewLearner("t1", dims, 5)

	properties := gopter.NewProperties(nil)
	properties.Property("proposed vectors respect dimension bounds", prop.ForAll(
		func(rounds int) bool {
			for i := 0; i < rounds; i++ {
				candidate := learner.Propose()
				batch, ok := toFloat(candidate["batch"])
				if !ok || batch < 1 || batch > 100 {
					return false
				}
				mode, ok := candidate["mode"].(string)
				if !ok || (mode != "fast" && mode != "slow") {
					return false
				}
				if _, ok := candidate["cache"].(bool); !ok {
					return false
				}
				// Feeding back keeps exploitation paths exercised too.
				score := 0.5
				learner.Observe(models.ExecutionFeedback{
					TaskID: "t1", Parameters: candidate, Score: &score,
				})
			}
			return true
		},
		gen.IntRange(1, 30),
	))
	properties.TestingRun(t)
}

func TestLearnerWindowAndBest(t *testing.T) {
	learner := NewLearner("t1", nil, 3)
	scores := []float64{0.6, 0.7, 0.9}

	var windowHits int
	for i, s := range scores {
		score := s
		hit := learner.Observe(models.ExecutionFeedback{
			TaskID:     "t1",
			Parameters: map[string]any{"i": i},
			Score:      &score,
		})
		if hit {
			windowHits++
		}
	}
	assert.Equal(t, 1, windowHits, "window of 3 fires exactly once after 3 records")

	best, score := learner.Best()
	assert.Equal(t, map[string]any{"i": 2}, best)
	assert.InDelta(t, 0.9, score, 1e-9)
	assert.Equal(t, 3, learner.State().Trials)

	learner.Reset()
	_, score = learner.Best()
	assert.Zero(t, score)
	assert.Empty(t, learner.State().History)
}

func TestOptimizerActorPushesOverlayEveryWindow(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	applied := make(chan protocol.ApplyOptimization, 4)
	_, err := system.Spawn("scheduler", actor.ReceiverFunc(
		func(_ context.Context, msg actor.Message) {
			if m, ok := msg.(protocol.ApplyOptimization); ok {
				applied <- m
			}
		}))
	require.NoError(t, err)

	states := store.NewMemoryOptimizerStateStore()
	opt, err := Spawn(system, "scheduler", states, 10)
	require.NoError(t, err)

	opt.Send(protocol.RegisterOptimization{
		TaskID: "L1",
		Spec:   &models.OptimizationSpec{Enabled: true, FeedbackWindow: 3},
	})

	for i, s := range []float64{0.6, 0.7, 0.9} {
		score := s
		opt.Send(protocol.ExecutionFeedbackMsg{Feedback: models.ExecutionFeedback{
			TaskID:     "L1",
			Parameters: map[string]any{"rate": float64(i + 1)},
			Score:      &score,
			Success:    true,
		}})
	}

	select {
	case overlay := <-applied:
		assert.Equal(t, "L1", overlay.TaskID)
		assert.Equal(t, map[string]any{"rate": float64(3)}, overlay.Parameters)
		assert.Equal(t, 0.9, overlay.Stats["best_score"])
	case <-time.After(2 * time.Second):
		t.Fatal("no overlay delivered after the feedback window")
	}

	// State was persisted alongside the push.
	require.Eventually(t, func() bool {
		state, err := states.Get(context.Background(), "L1")
		return err == nil && state.Trials == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOptimizerActorIgnoresUnregisteredFeedback(t *testing.T) {
	system := actor.NewSystem(context.Background())
	defer func() { _ = system.Shutdown(context.Background()) }()

	states := store.NewMemoryOptimizerStateStore()
	opt, err := Spawn(system, "scheduler", states, 2)
	require.NoError(t, err)

	score := 1.0
	opt.Send(protocol.ExecutionFeedbackMsg{Feedback: models.ExecutionFeedback{
		TaskID: "ghost", Score: &score,
	}})
	opt.Send(protocol.UnregisterOptimization{TaskID: "ghost"})

	time.Sleep(50 * time.Millisecond)
	_, err = states.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestParseDimensions(t *testing.T) {
	fake := llm.NewFake().Enqueue(`{"dimensions":[
		{"name":"send_hour","type":"numeric","min":6,"max":22},
		{"name":"channel","type":"categorical","choices":["email","push"]}
	]}`)
	dims, err := ParseDimensions(context.Background(), fake, "maximize click rate")
	require.NoError(t, err)
	require.Len(t, dims, 2)
	assert.Equal(t, models.DimensionNumeric, dims[0].Type)
	assert.Equal(t, []string{"email", "push"}, dims[1].Choices)

	bad := llm.NewFake().Enqueue(`{"dimensions":[{"name":"x","type":"numeric","min":10,"max":1}]}`)
	_, err = ParseDimensions(context.Background(), bad, "goal")
	require.Error(t, err, "inverted numeric bounds are rejected")
}

func TestScoreOutputFallsBackToDerived(t *testing.T) {
	fake := llm.NewFake().Enqueue(`{"score": 0.8}`)
	got := ScoreOutput(context.Background(), fake, "goal", map[string]any{"x": 1},
		models.ExecutionFeedback{Success: true, Duration: 3 * time.Second})
	assert.InDelta(t, 0.8, got, 1e-9)

	broken := llm.NewFake()
	broken.Err = assert.AnError
	got = ScoreOutput(context.Background(), broken, "goal", nil,
		models.ExecutionFeedback{Success: true, Duration: 3 * time.Second})
	assert.InDelta(t, 0.7, got, 1e-9)
}

func TestDeriveDimensions(t *testing.T) {
	dims := deriveDimensions(map[string]any{
		"rate":    4.0,
		"enabled": true,
		"mode":    "fast",
	})
	require.Len(t, dims, 3)
	byName := map[string]models.Dimension{}
	for _, d := range dims {
		byName[d.Name] = d
	}
	assert.Equal(t, models.DimensionBoolean, byName["enabled"].Type)
	assert.Equal(t, []string{"fast"}, byName["mode"].Choices)
	assert.InDelta(t, 2.0, byName["rate"].Min, 1e-9)
	assert.InDelta(t, 6.0, byName["rate"].Max, 1e-9)
}
