// Package optimizer learns parameter vectors that improve a scalar score.
// A Learner is the per-task search state; the Optimizer actor owns one
// learner per registered loop task and pushes overlays to the scheduler
// every feedback window.
package optimizer

import (
	"math/rand"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// DefaultFeedbackWindow is K: overlays are recomputed every K records.
const DefaultFeedbackWindow = 10

// convergenceScore is the best-score threshold at which search stops early.
const convergenceScore = 0.95

// Learner is a single-task parameter searcher: random exploration mixed
// with perturbation of the best vector seen so far.
type Learner struct {
	state *models.OptimizerState
	rng   *rand.Rand

	// sinceLastPush counts feedback records since the last overlay push.
	sinceLastPush int
}

// NewLearner creates a learner over the given dimensions.
func NewLearner(taskID string, dimensions []models.Dimension, feedbackWindow int) *Learner {
	if feedbackWindow <= 0 {
		feedbackWindow = DefaultFeedbackWindow
	}
	return &Learner{
		state: &models.OptimizerState{
			TaskID:         taskID,
			Dimensions:     dimensions,
			FeedbackWindow: feedbackWindow,
		},
		rng: rand.New(rand.NewSource(int64(len(taskID)) + 7919)),
	}
}

// NewLearnerFromState restores a learner from persisted state.
func NewLearnerFromState(state *models.OptimizerState) *Learner {
	if state.FeedbackWindow <= 0 {
		state.FeedbackWindow = DefaultFeedbackWindow
	}
	return &Learner{
		state: state,
		rng:   rand.New(rand.NewSource(int64(len(state.TaskID)) + 7919)),
	}
}

// State returns the learner's persistent state for serialization.
func (l *Learner) State() *models.OptimizerState { return l.state }

// SetDimensions replaces the tunable schema. Used when dimensions arrive
// after registration (derived from the first feedback record).
func (l *Learner) SetDimensions(dims []models.Dimension) {
	l.state.Dimensions = dims
}

// Dimensions returns the tunable schema.
func (l *Learner) Dimensions() []models.Dimension { return l.state.Dimensions }

// Observe appends one feedback record and reports whether a feedback window
// has elapsed since the last push (the caller then pushes an overlay).
func (l *Learner) Observe(fb models.ExecutionFeedback) bool {
	score := fb.Score
	if score == nil {
		derived := DeriveScore(fb.Success, fb.Duration)
		fb.Score = &derived
		score = &derived
	}
	l.state.History = append(l.state.History, fb)
	l.state.Trials++
	if *score > l.state.BestScore || l.state.BestParameters == nil {
		l.state.BestScore = *score
		l.state.BestParameters = fb.Parameters
	}

	l.sinceLastPush++
	if l.sinceLastPush >= l.state.FeedbackWindow {
		l.sinceLastPush = 0
		return true
	}
	return false
}

// ObserveBatch appends a batch of records without window bookkeeping; used
// by the parallel aggregator's optimization rounds.
func (l *Learner) ObserveBatch(batch []models.ExecutionFeedback) {
	for _, fb := range batch {
		score := fb.Score
		if score == nil {
			derived := DeriveScore(fb.Success, fb.Duration)
			fb.Score = &derived
			score = &derived
		}
		l.state.History = append(l.state.History, fb)
		l.state.Trials++
		if *score > l.state.BestScore || l.state.BestParameters == nil {
			l.state.BestScore = *score
			l.state.BestParameters = fb.Parameters
		}
	}
}

// Best returns the best parameter vector and its score.
func (l *Learner) Best() (map[string]any, float64) {
	return l.state.BestParameters, l.state.BestScore
}

// Converged reports whether search can stop early.
func (l *Learner) Converged() bool {
	return l.state.BestScore >= convergenceScore
}

// Reset clears the search history but keeps the dimensions.
func (l *Learner) Reset() {
	l.state.History = nil
	l.state.BestParameters = nil
	l.state.BestScore = 0
	l.state.Trials = 0
	l.sinceLastPush = 0
}

// Propose produces one candidate parameter vector: a perturbation of the
// best vector when one exists, otherwise a uniform random sample.
func (l *Learner) Propose() map[string]any {
	out := make(map[string]any, len(l.state.Dimensions))
	exploit := l.state.BestParameters != nil && l.rng.Float64() < 0.5
	for _, dim := range l.state.Dimensions {
		if exploit {
			if v, ok := l.state.BestParameters[dim.Name]; ok {
				out[dim.Name] = l.perturb(dim, v)
				continue
			}
		}
		out[dim.Name] = l.sample(dim)
	}
	return out
}

// ProposeBatch produces k distinct-by-construction candidates.
func (l *Learner) ProposeBatch(k int) []map[string]any {
	if k <= 0 {
		k = 1
	}
	out := make([]map[string]any, k)
	for i := range out {
		out[i] = l.Propose()
	}
	return out
}

func (l *Learner) sample(dim models.Dimension) any {
	switch dim.Type {
	case models.DimensionNumeric:
		if dim.Max <= dim.Min {
			return dim.Min
		}
		return dim.Min + l.rng.Float64()*(dim.Max-dim.Min)
	case models.DimensionCategorical:
		if len(dim.Choices) == 0 {
			return ""
		}
		return dim.Choices[l.rng.Intn(len(dim.Choices))]
	case models.DimensionBoolean:
		return l.rng.Intn(2) == 1
	}
	return nil
}

// perturb nudges a known-good value within its dimension.
func (l *Learner) perturb(dim models.Dimension, v any) any {
	switch dim.Type {
	case models.DimensionNumeric:
		cur, ok := toFloat(v)
		if !ok {
			return l.sample(dim)
		}
		span := dim.Max - dim.Min
		if span <= 0 {
			return cur
		}
		next := cur + (l.rng.Float64()-0.5)*span*0.2
		if next < dim.Min {
			next = dim.Min
		}
		if next > dim.Max {
			next = dim.Max
		}
		return next
	default:
		// Re-sampling keeps categorical/boolean exploration alive.
		if l.rng.Float64() < 0.3 {
			return l.sample(dim)
		}
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
