package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// Worker is the actor that performs exactly one external call. It preflights
// required parameters before calling out: a missing or empty-stringed
// required parameter suspends the call with NEED_INPUT instead of failing,
// and the worker stays alive so a resume can reach it directly.
type Worker struct {
	system      *actor.System
	registry    *Registry
	resumptions store.ResumptionStore
	self        *actor.Ref

	// held across a NEED_INPUT suspension
	pending *protocol.ExecuteRequest
	params  map[string]any
}

// SpawnWorker starts a fresh execution worker and returns its address.
func SpawnWorker(system *actor.System, registry *Registry, resumptions store.ResumptionStore) (*actor.Ref, error) {
	w := &Worker{system: system, registry: registry, resumptions: resumptions}
	ref, err := system.SpawnUnique("worker", w)
	if err != nil {
		return nil, err
	}
	w.self = ref
	return ref, nil
}

// Receive implements actor.Receiver.
func (w *Worker) Receive(ctx context.Context, msg actor.Message) {
	switch m := msg.(type) {
	case protocol.ExecuteRequest:
		w.pending = &m
		w.params = cloneParams(m.Params)
		w.attempt(ctx)
	case protocol.ResumeExecution:
		if w.pending == nil || w.pending.TaskID != m.TaskID {
			slog.Warn("Worker received resume for unknown task",
				"worker", w.self.ID(), "task_id", m.TaskID)
			return
		}
		for k, v := range m.Parameters {
			w.params[k] = v
		}
		w.attempt(ctx)
	case protocol.CancelMessage:
		w.cancel(ctx)
	default:
		slog.Warn("Worker received unexpected message",
			"worker", w.self.ID(), "message_type", msg.MessageType())
	}
}

// attempt runs the preflight check and, when satisfied, the external call.
// It may run more than once for the same request: a resume that still leaves
// required parameters empty suspends again.
func (w *Worker) attempt(ctx context.Context) {
	req := w.pending
	missing := missingParams(req.Schema, w.params)
	if len(missing) > 0 {
		w.suspend(ctx, missing)
		return
	}

	capability, err := w.registry.Get(req.Capability)
	if err != nil {
		w.finish(ctx, protocol.ExecutionCompleted{
			TaskID: req.TaskID,
			Status: protocol.StatusError,
			Error:  err.Error(),
		})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, capability.Timeout())
	defer cancel()
	result, err := capability.Execute(callCtx, w.params)
	if err != nil {
		w.finish(ctx, protocol.ExecutionCompleted{
			TaskID: req.TaskID,
			Status: protocol.StatusFailed,
			Error:  err.Error(),
		})
		return
	}
	w.finish(ctx, protocol.ExecutionCompleted{
		TaskID: req.TaskID,
		Status: protocol.StatusSuccess,
		Result: result,
	})
}

// suspend emits NEED_INPUT with the missing names, a prompt, and this
// worker's own address, and records the resumption state.
func (w *Worker) suspend(ctx context.Context, missing []string) {
	req := w.pending
	prompt := buildPrompt(missing)

	rec := &models.ResumptionRecord{
		TaskID:             req.TaskID,
		WorkerAddress:      w.self.ID(),
		OriginalParameters: cloneParams(w.params),
		MissingParams:      missing,
		Prompt:             prompt,
		CreatedAt:          time.Now().UTC(),
	}
	if err := w.resumptions.Save(ctx, rec); err != nil {
		slog.Error("Failed to save resumption record",
			"task_id", req.TaskID, "error", err)
	}

	req.ReplyTo.Send(protocol.ExecutionCompleted{
		TaskID:        req.TaskID,
		Status:        protocol.StatusNeedInput,
		MissingParams: missing,
		Prompt:        prompt,
		Worker:        w.self,
	})
}

// cancel retires a worker whose call will never proceed. A suspended worker
// holds a resumption record; finish removes it along with the actor
// registration so a cancelled NEED_INPUT suspension leaves nothing behind.
func (w *Worker) cancel(ctx context.Context) {
	if w.pending == nil {
		w.system.Release(w.self)
		return
	}
	w.finish(ctx, protocol.ExecutionCompleted{
		TaskID: w.pending.TaskID,
		Status: protocol.StatusCancelled,
		Error:  "execution cancelled",
	})
}

// finish replies with a terminal completion, clears any resumption record,
// and retires the worker.
func (w *Worker) finish(ctx context.Context, completed protocol.ExecutionCompleted) {
	req := w.pending
	if err := w.resumptions.Delete(ctx, req.TaskID); err != nil {
		slog.Warn("Failed to delete resumption record",
			"task_id", req.TaskID, "error", err)
	}
	req.ReplyTo.Send(completed)
	w.pending = nil
	w.system.Release(w.self)
}

// missingParams returns the required schema parameters that are absent or
// empty-stringed, in schema order.
func missingParams(schema []agenttree.ArgSpec, params map[string]any) []string {
	var missing []string
	for _, arg := range schema {
		if !arg.Required {
			continue
		}
		v, ok := params[arg.Name]
		if !ok || v == nil {
			missing = append(missing, arg.Name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, arg.Name)
		}
	}
	return missing
}

// buildPrompt renders the user-facing question for missing parameters.
func buildPrompt(missing []string) string {
	return fmt.Sprintf("请提供%s：", strings.Join(missing, "、"))
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
