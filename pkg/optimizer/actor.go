package optimizer

import (
	"context"
	"log/slog"
	"sort"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// Address is the optimizer actor's well-known address.
const Address = "optimizer"

// Optimizer is the actor owning one learner per registered loop task. After
// every feedback window it pushes an ApplyOptimization overlay to the
// scheduler; on unregister it serializes the learner state to storage.
type Optimizer struct {
	system        *actor.System
	schedulerAddr string
	states        store.OptimizerStateStore
	learners      map[string]*Learner
	defaultWindow int
}

// Spawn starts the optimizer actor under its well-known address. Overlays
// are delivered to schedulerAddr, resolved at send time so the two actors
// can be spawned in either order.
func Spawn(system *actor.System, schedulerAddr string, states store.OptimizerStateStore, defaultWindow int) (*actor.Ref, error) {
	if defaultWindow <= 0 {
		defaultWindow = DefaultFeedbackWindow
	}
	o := &Optimizer{
		system:        system,
		schedulerAddr: schedulerAddr,
		states:        states,
		learners:      make(map[string]*Learner),
		defaultWindow: defaultWindow,
	}
	return system.Spawn(Address, o)
}

// Receive implements actor.Receiver.
func (o *Optimizer) Receive(ctx context.Context, msg actor.Message) {
	switch m := msg.(type) {
	case protocol.RegisterOptimization:
		o.register(ctx, m)
	case protocol.ExecutionFeedbackMsg:
		o.feedback(ctx, m.Feedback)
	case protocol.ResetOptimizer:
		if learner, ok := o.learners[m.TaskID]; ok {
			learner.Reset()
		}
	case protocol.UnregisterOptimization:
		o.unregister(ctx, m.TaskID)
	default:
		slog.Warn("Optimizer received unexpected message", "message_type", msg.MessageType())
	}
}

func (o *Optimizer) register(ctx context.Context, m protocol.RegisterOptimization) {
	if _, exists := o.learners[m.TaskID]; exists {
		slog.Warn("Optimization already registered", "task_id", m.TaskID)
		return
	}

	// A restart may have left persisted state behind; restore it.
	if state, err := o.states.Get(ctx, m.TaskID); err == nil {
		o.learners[m.TaskID] = NewLearnerFromState(state)
		slog.Info("Restored optimizer state", "task_id", m.TaskID, "trials", state.Trials)
		return
	}

	window := o.defaultWindow
	if m.Spec != nil && m.Spec.FeedbackWindow > 0 {
		window = m.Spec.FeedbackWindow
	}
	o.learners[m.TaskID] = NewLearner(m.TaskID, m.Dimensions, window)
	slog.Info("Registered optimization", "task_id", m.TaskID, "feedback_window", window)
}

func (o *Optimizer) feedback(ctx context.Context, fb models.ExecutionFeedback) {
	learner, ok := o.learners[fb.TaskID]
	if !ok {
		slog.Warn("Feedback for unregistered optimization", "task_id", fb.TaskID)
		return
	}
	if len(learner.Dimensions()) == 0 && len(fb.Parameters) > 0 {
		learner.SetDimensions(deriveDimensions(fb.Parameters))
	}

	if !learner.Observe(fb) {
		return
	}

	// A window elapsed: push the current best overlay to the scheduler.
	best, score := learner.Best()
	if best == nil {
		return
	}
	scheduler, ok := o.system.Lookup(o.schedulerAddr)
	if !ok {
		slog.Warn("Scheduler not reachable for optimization overlay", "task_id", fb.TaskID)
		return
	}
	scheduler.Send(protocol.ApplyOptimization{
		TaskID:     fb.TaskID,
		Parameters: best,
		Stats: map[string]any{
			"best_score": score,
			"trials":     learner.State().Trials,
		},
	})
	if err := o.states.Save(ctx, learner.State()); err != nil {
		slog.Warn("Failed to persist optimizer state", "task_id", fb.TaskID, "error", err)
	}
	slog.Info("Pushed optimization overlay",
		"task_id", fb.TaskID, "best_score", score, "trials", learner.State().Trials)
}

func (o *Optimizer) unregister(ctx context.Context, taskID string) {
	learner, ok := o.learners[taskID]
	if !ok {
		return
	}
	if err := o.states.Save(ctx, learner.State()); err != nil {
		slog.Warn("Failed to persist optimizer state on unregister",
			"task_id", taskID, "error", err)
	}
	delete(o.learners, taskID)
}

// deriveDimensions infers a tunable schema from an observed parameter map:
// numerics get a ±50% band around the seen value, booleans stay boolean,
// strings become single-choice categoricals.
func deriveDimensions(params map[string]any) []models.Dimension {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var dims []models.Dimension
	for _, name := range names {
		switch v := params[name].(type) {
		case bool:
			dims = append(dims, models.Dimension{Name: name, Type: models.DimensionBoolean})
		case string:
			dims = append(dims, models.Dimension{
				Name: name, Type: models.DimensionCategorical, Choices: []string{v},
			})
		default:
			if n, ok := toFloat(v); ok {
				lo, hi := n*0.5, n*1.5
				if lo > hi {
					lo, hi = hi, lo
				}
				dims = append(dims, models.Dimension{
					Name: name, Type: models.DimensionNumeric, Min: lo, Max: hi,
				})
			}
		}
	}
	return dims
}
