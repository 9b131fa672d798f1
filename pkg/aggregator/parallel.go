package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/optimizer"
	"github.com/taskmesh/taskmesh/pkg/protocol"
)

// defaultOptimizationRounds bounds the optimization mode's search loop.
const defaultOptimizationRounds = 5

// Parallel fans one plan step out over N replicas. In simple repetition it
// reduces the replica results with the step's aggregation strategy; with an
// optimization spec it runs batched candidate rounds through a learner and
// returns the best parameter vector plus its output.
type Parallel struct {
	deps Deps
	self *actor.Ref

	req      protocol.ParallelRequest
	strategy models.AggregationStrategy
	replicas int
	done     bool

	// current batch bookkeeping, indexed by replica position
	pending  map[string]int
	values   []any
	got      []bool
	started  []time.Time
	failures []string
	tagSeq   int

	// optimization mode
	learner    *optimizer.Learner
	candidates []map[string]any
	round      int
	maxRounds  int
	bestOutput any
	bestScore  float64
}

// SpawnParallel starts a fresh parallel aggregator; the caller then sends
// it the ParallelRequest.
func SpawnParallel(deps Deps) (*actor.Ref, error) {
	p := &Parallel{deps: deps}
	ref, err := deps.System.SpawnUnique("parallel", p)
	if err != nil {
		return nil, err
	}
	p.self = ref
	return ref, nil
}

// Receive implements actor.Receiver.
func (p *Parallel) Receive(ctx context.Context, msg actor.Message) {
	switch m := msg.(type) {
	case protocol.ParallelRequest:
		p.start(ctx, m)
	case protocol.ExecutionCompleted:
		if m.Status == protocol.StatusNeedInput {
			// A replica cannot wait for user input; retire the suspended
			// worker and count the suspension as a failure.
			p.cancelSuspended(ctx, m.TaskID, m.Worker)
			p.replicaOutcome(ctx, m.TaskID, protocol.StatusFailed, nil,
				fmt.Sprintf("replica awaiting input: %s", m.Prompt))
			return
		}
		p.replicaOutcome(ctx, m.TaskID, m.Status, m.Result, m.Error)
	case protocol.TaskResult:
		p.replicaOutcome(ctx, m.TaskID, m.Status, m.Result, m.Error)
	case protocol.TaskPaused:
		p.cancelSuspended(ctx, m.TaskID, nil)
		p.replicaOutcome(ctx, m.TaskID, protocol.StatusFailed, nil,
			fmt.Sprintf("replica awaiting input: %s", m.Question))
	case protocol.CancelMessage:
		p.cancel(m)
	default:
		slog.Warn("Parallel aggregator received unexpected message",
			"actor", p.self.ID(), "message_type", msg.MessageType())
	}
}

func (p *Parallel) start(ctx context.Context, m protocol.ParallelRequest) {
	p.req = m
	p.replicas = m.Step.ReplicaCount
	if p.replicas <= 0 {
		p.replicas = 1
	}
	p.strategy = m.Step.Aggregation
	if !models.KnownAggregation(p.strategy) {
		if p.strategy != "" {
			slog.Warn("Unknown aggregation strategy, defaulting to list",
				"task_id", m.TaskID, "strategy", string(p.strategy))
		}
		p.strategy = models.AggregateList
	}

	if spec := m.Step.Optimization; spec != nil && spec.Enabled && spec.UserGoal != "" {
		dims, err := optimizer.ParseDimensions(ctx, p.deps.LLM, spec.UserGoal)
		if err != nil {
			slog.Warn("Dimension parsing failed, falling back to simple repetition",
				"task_id", m.TaskID, "error", err)
		} else {
			p.learner = optimizer.NewLearner(m.TaskID, dims, spec.FeedbackWindow)
			p.maxRounds = spec.MaxRounds
			if p.maxRounds <= 0 {
				p.maxRounds = defaultOptimizationRounds
			}
			p.round = 1
			p.launchBatch(ctx, p.learner.ProposeBatch(p.batchSize(spec)))
			return
		}
	}
	p.launchBatch(ctx, make([]map[string]any, p.replicas))
}

// batchSize is K, bounded by the replica count.
func (p *Parallel) batchSize(spec *models.OptimizationSpec) int {
	k := spec.BatchSize
	if k <= 0 || k > p.replicas {
		k = p.replicas
	}
	return k
}

// launchBatch dispatches one replica per candidate; a nil candidate runs
// the base parameters untouched.
func (p *Parallel) launchBatch(ctx context.Context, candidates []map[string]any) {
	p.candidates = candidates
	p.pending = make(map[string]int, len(candidates))
	p.values = make([]any, len(candidates))
	p.got = make([]bool, len(candidates))
	p.started = make([]time.Time, len(candidates))

	step := p.req.Step
	step.IsParallel = false

	for i, candidate := range candidates {
		params := cloneParams(p.req.BaseParams)
		for k, v := range candidate {
			params[k] = v
		}
		tag := fmt.Sprintf("%s#%d", p.req.TaskID, p.tagSeq)
		p.tagSeq++
		p.pending[tag] = i
		p.started[i] = time.Now()

		if err := dispatchSingle(ctx, p.deps, stepRequest{
			TaskID:   tag,
			TraceID:  p.req.TraceID,
			TaskPath: fmt.Sprintf("%s/%d", p.req.TaskPath, i),
			UserID:   p.req.UserID,
			Goal:     p.req.Goal,
			Step:     step,
			Params:   params,
			ReplyTo:  p.self,
		}); err != nil {
			p.got[i] = true
			delete(p.pending, tag)
			p.failures = append(p.failures,
				fmt.Sprintf("replica %d dispatch: %v", i, err))
		}
	}
	if len(p.pending) == 0 {
		p.batchComplete(ctx)
	}
}

func (p *Parallel) replicaOutcome(ctx context.Context, tag string, status protocol.ExecutionStatus, result map[string]any, errStr string) {
	if p.done {
		return
	}
	idx, ok := p.pending[tag]
	if !ok {
		slog.Debug("Dropping result for unknown replica",
			"actor", p.self.ID(), "replica", tag)
		return
	}
	delete(p.pending, tag)
	p.got[idx] = true

	if status == protocol.StatusSuccess {
		p.values[idx] = unwrapResult(result)
	} else {
		p.failures = append(p.failures, fmt.Sprintf("replica %d: %s", idx, errStr))
	}

	if len(p.pending) == 0 {
		p.batchComplete(ctx)
	}
}

// cancelSuspended tears down a replica that paused for input. The synthetic
// replica tag is an id no resume can ever target, so the suspended worker —
// and any leaf agent holding it — is cancelled and its resumption record
// removed rather than left behind.
func (p *Parallel) cancelSuspended(ctx context.Context, tag string, worker *actor.Ref) {
	if worker != nil {
		worker.Send(protocol.CancelMessage{TaskID: tag})
		return
	}
	rec, err := p.deps.Resumptions.Get(ctx, tag)
	if err != nil {
		return
	}
	for i := len(rec.AggregatorAddresses) - 1; i >= 0; i-- {
		if ref, ok := p.deps.System.Lookup(rec.AggregatorAddresses[i]); ok {
			ref.Send(protocol.CancelMessage{TaskID: tag})
			return
		}
	}
	if ref, ok := p.deps.System.Lookup(rec.WorkerAddress); ok {
		ref.Send(protocol.CancelMessage{TaskID: tag})
		return
	}
	if err := p.deps.Resumptions.Delete(ctx, tag); err != nil {
		slog.Warn("Failed to delete replica resumption record",
			"replica", tag, "error", err)
	}
}

func (p *Parallel) batchComplete(ctx context.Context) {
	if len(p.failures) > 0 {
		p.fail()
		return
	}
	if p.learner == nil {
		p.finishSimple()
		return
	}
	p.finishRound(ctx)
}

func (p *Parallel) finishSimple() {
	reduced := Reduce(p.strategy, p.values)
	p.finish(protocol.TaskResult{
		TaskID: p.req.TaskID,
		Status: protocol.StatusSuccess,
		Result: map[string]any{
			"output":   reduced,
			"strategy": string(p.strategy),
			"replicas": p.replicas,
		},
	})
}

// finishRound scores the round's outputs, feeds them to the learner, and
// either starts the next round or returns the best vector found.
func (p *Parallel) finishRound(ctx context.Context) {
	batch := make([]models.ExecutionFeedback, len(p.candidates))
	for i, candidate := range p.candidates {
		fb := models.ExecutionFeedback{
			TaskID:     p.req.TaskID,
			Parameters: candidate,
			Success:    true,
			Duration:   time.Since(p.started[i]),
			ObservedAt: time.Now().UTC(),
		}
		output, _ := p.values[i].(map[string]any)
		score := optimizer.ScoreOutput(ctx, p.deps.LLM, p.req.Step.Optimization.UserGoal, output, fb)
		fb.Score = &score
		batch[i] = fb
		if score > p.bestScore || p.bestOutput == nil {
			p.bestScore = score
			p.bestOutput = p.values[i]
		}
	}
	p.learner.ObserveBatch(batch)

	if p.learner.Converged() || p.round >= p.maxRounds {
		best, score := p.learner.Best()
		p.finish(protocol.TaskResult{
			TaskID: p.req.TaskID,
			Status: protocol.StatusSuccess,
			Result: map[string]any{
				"output":          p.bestOutput,
				"best_parameters": best,
				"best_score":      score,
				"rounds":          p.round,
				"trials":          p.learner.State().Trials,
			},
		})
		return
	}
	p.round++
	p.launchBatch(ctx, p.learner.ProposeBatch(p.batchSize(p.req.Step.Optimization)))
}

// fail returns the failure list; partial successes stay in the payload for
// upstream inspection.
func (p *Parallel) fail() {
	var partial []any
	for i, got := range p.got {
		if got && p.values[i] != nil {
			partial = append(partial, p.values[i])
		}
	}
	p.finish(protocol.TaskResult{
		TaskID: p.req.TaskID,
		Status: protocol.StatusFailed,
		Result: map[string]any{
			"failures":        append([]string(nil), p.failures...),
			"partial_results": partial,
		},
		Error: strings.Join(p.failures, "; "),
	})
}

func (p *Parallel) cancel(m protocol.CancelMessage) {
	if p.done {
		return
	}
	replyTo := m.ReplyTo
	if replyTo == nil {
		replyTo = p.req.ReplyTo
	}
	p.done = true
	replyTo.Send(protocol.TaskResult{
		TaskID: p.req.TaskID,
		Status: protocol.StatusCancelled,
	})
}

func (p *Parallel) finish(result protocol.TaskResult) {
	p.done = true
	p.req.ReplyTo.Send(result)
	p.deps.System.Release(p.self)
}
