package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/protocol"
)

// retryMsg re-enters the agent dispatch after the backoff elapsed.
type retryMsg struct{}

// MessageType implements actor.Message.
func (retryMsg) MessageType() string { return "aggregator.retry" }

// resultAggregator wraps one agent-class execution and owns its retry
// policy: failures are re-dispatched up to the configured bound, tool-class
// work never passes through here. Pauses and successes are forwarded to the
// parent untouched.
type resultAggregator struct {
	deps     Deps
	self     *actor.Ref
	req      AgentRequest
	parent   *actor.Ref
	attempts int
}

// SpawnResult starts a result aggregator for one agent request and performs
// the first dispatch. Replies arrive at req.ReplyTo's original destination
// via this aggregator.
func SpawnResult(ctx context.Context, deps Deps, req AgentRequest) error {
	ra := &resultAggregator{deps: deps, parent: req.ReplyTo}
	ref, err := deps.System.SpawnUnique("result", ra)
	if err != nil {
		return err
	}
	ra.self = ref
	ra.req = req
	ra.req.ReplyTo = ref
	return ra.dispatch(ctx)
}

func (ra *resultAggregator) dispatch(ctx context.Context) error {
	if err := ra.deps.Spawner.SpawnAgent(ctx, ra.req); err != nil {
		ra.parent.Send(protocol.TaskResult{
			TaskID: ra.req.TaskID,
			Status: protocol.StatusError,
			Error:  err.Error(),
		})
		ra.deps.System.Release(ra.self)
		return err
	}
	return nil
}

// Receive implements actor.Receiver.
func (ra *resultAggregator) Receive(ctx context.Context, msg actor.Message) {
	switch m := msg.(type) {
	case protocol.TaskResult:
		ra.result(m)
	case protocol.TaskPaused:
		// Suspensions pass through; the retry budget survives the pause.
		ra.parent.Send(m)
	case retryMsg:
		ra.attempts++
		slog.Info("Retrying agent step",
			"task_id", ra.req.TaskID, "attempt", ra.attempts)
		_ = ra.dispatch(ctx)
	default:
		slog.Warn("Result aggregator received unexpected message",
			"actor", ra.self.ID(), "message_type", msg.MessageType())
	}
}

func (ra *resultAggregator) result(m protocol.TaskResult) {
	switch m.Status {
	case protocol.StatusFailed, protocol.StatusError:
		if ra.attempts < ra.deps.Retry.AgentStepRetries {
			self := ra.self
			backoff := ra.deps.Retry.Backoff
			if backoff <= 0 {
				self.Send(retryMsg{})
				return
			}
			time.AfterFunc(backoff, func() { self.Send(retryMsg{}) })
			return
		}
	}
	ra.parent.Send(m)
	ra.deps.System.Release(ra.self)
}
