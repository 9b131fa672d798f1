package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/agenttree"
	"github.com/taskmesh/taskmesh/pkg/aggregator"
	"github.com/taskmesh/taskmesh/pkg/executor"
	"github.com/taskmesh/taskmesh/pkg/protocol"
)

// LeafState is the leaf agent's lifecycle state.
type LeafState string

// Leaf agent states.
const (
	LeafIdle              LeafState = "IDLE"
	LeafAwaitingExecution LeafState = "AWAITING_EXECUTION"
	LeafAwaitingResume    LeafState = "AWAITING_RESUME"
	LeafDone              LeafState = "DONE"
)

// Leaf binds one terminal tree node to its backend: it selects the binding,
// optionally resolves semantic pointers in the parameters, and drives a
// single execution worker. HTTP wins over workflow when both are bound.
type Leaf struct {
	deps *Deps
	self *actor.Ref

	state  LeafState
	req    aggregator.AgentRequest
	worker *actor.Ref
}

// SpawnLeaf starts a leaf agent for one request and dispatches its worker.
// A node without any usable binding produces a terminal ERROR result.
func SpawnLeaf(ctx context.Context, deps *Deps, req aggregator.AgentRequest) error {
	node, err := deps.Tree.GetAgentMeta(ctx, req.TargetAgentID)
	if err != nil {
		return fmt.Errorf("leaf agent %q: %w", req.TargetAgentID, err)
	}
	l := &Leaf{deps: deps, req: req, state: LeafIdle}
	ref, err := deps.System.SpawnUnique("leaf", l)
	if err != nil {
		return err
	}
	l.self = ref
	l.execute(ctx, node)
	return nil
}

// Receive implements actor.Receiver.
func (l *Leaf) Receive(ctx context.Context, msg actor.Message) {
	switch m := msg.(type) {
	case protocol.ExecutionCompleted:
		l.completed(ctx, m)
	case protocol.ResumeMessage:
		l.resume(m)
	case protocol.CancelMessage:
		l.cancel(m)
	default:
		slog.Warn("Leaf agent received unexpected message",
			"actor", l.self.ID(), "message_type", msg.MessageType())
	}
}

func (l *Leaf) execute(ctx context.Context, node *agenttree.Node) {
	capability, params, err := l.buildCall(ctx, node)
	if err != nil {
		l.terminal(protocol.TaskResult{
			TaskID: l.req.TaskID,
			Status: protocol.StatusError,
			Error:  err.Error(),
		})
		return
	}

	worker, err := executor.SpawnWorker(l.deps.System, l.deps.Registry, l.deps.Stores.Resumptions)
	if err != nil {
		l.terminal(protocol.TaskResult{
			TaskID: l.req.TaskID,
			Status: protocol.StatusError,
			Error:  err.Error(),
		})
		return
	}
	worker.Send(protocol.ExecuteRequest{
		TaskID:     l.req.TaskID,
		TraceID:    l.req.TraceID,
		Capability: capability,
		Params:     params,
		Schema:     node.Args,
		ReplyTo:    l.self,
	})
	l.state = LeafAwaitingExecution
}

// buildCall selects the node's binding and assembles the worker parameters:
// the caller's payload plus the reserved binding keys.
func (l *Leaf) buildCall(ctx context.Context, node *agenttree.Node) (string, map[string]any, error) {
	params := make(map[string]any, len(l.req.Params)+6)
	for k, v := range l.req.Params {
		params[k] = v
	}
	if l.req.Instruction != "" {
		if _, ok := params["input"]; !ok {
			params["input"] = l.req.Instruction
		}
	}
	l.resolvePointers(ctx, node, params)

	if !node.HTTP.Empty() {
		params[executor.ParamMethod] = node.HTTP.Method
		params[executor.ParamPath] = node.HTTP.Path
		if node.HTTP.BaseURL != "" {
			params[executor.ParamBaseURL] = node.HTTP.BaseURL
		}
		if len(node.HTTP.Headers) > 0 {
			headers := make(map[string]any, len(node.HTTP.Headers))
			for k, v := range node.HTTP.Headers {
				headers[k] = v
			}
			params[executor.ParamHeaders] = headers
		}
		return executor.CapabilityHTTP, params, nil
	}

	if wf := node.Workflow; wf != nil && wf.WorkflowID != "" {
		params[executor.ParamWorkflowID] = wf.WorkflowID
		if wf.APIKey != "" {
			params[executor.ParamAPIKey] = wf.APIKey
		}
		if wf.BaseURL != "" {
			params[executor.ParamBaseURL] = wf.BaseURL
		}
		if wf.DiscoverSchema {
			params[executor.ParamDiscoverSchema] = true
		}
		return executor.CapabilityWorkflow, params, nil
	}

	return "", nil, fmt.Errorf("agent %q has no backend binding", node.ID)
}

// resolvePointers rewrites pointer-typed arguments through the context
// resolver. Unresolved pointers keep the resolver's annotated description;
// resolution never fails the call on its own.
func (l *Leaf) resolvePointers(ctx context.Context, node *agenttree.Node, params map[string]any) {
	if l.deps.Resolver == nil {
		return
	}
	pointers := make(map[string]string)
	for _, arg := range node.Args {
		if arg.Type != "pointer" {
			continue
		}
		if s, ok := params[arg.Name].(string); ok && s != "" {
			pointers[arg.Name] = s
		}
	}
	if len(pointers) == 0 {
		return
	}
	resolved, err := l.deps.Resolver.Resolve(ctx, node.ID, pointers)
	if err != nil {
		slog.Warn("Pointer resolution failed",
			"task_id", l.req.TaskID, "agent", node.ID, "error", err)
		return
	}
	for name, ptr := range resolved {
		params[name] = ptr.Resolved
	}
}

func (l *Leaf) completed(ctx context.Context, m protocol.ExecutionCompleted) {
	if l.state != LeafAwaitingExecution && l.state != LeafAwaitingResume {
		return
	}
	if m.Status == protocol.StatusNeedInput {
		l.state = LeafAwaitingResume
		l.worker = m.Worker
		l.recordResumeChain(ctx, m.TaskID)
		l.req.ReplyTo.Send(protocol.TaskPaused{
			TaskID:        m.TaskID,
			MissingParams: m.MissingParams,
			Question:      m.Prompt,
		})
		return
	}
	l.terminal(protocol.TaskResult{
		TaskID: m.TaskID,
		Status: m.Status,
		Result: m.Result,
		Error:  m.Error,
	})
}

// recordResumeChain appends this agent's address to the worker's resumption
// record so a restart can audit the original routing chain.
func (l *Leaf) recordResumeChain(ctx context.Context, taskID string) {
	rec, err := l.deps.Stores.Resumptions.Get(ctx, taskID)
	if err != nil {
		slog.Warn("Resumption record missing after NEED_INPUT",
			"task_id", taskID, "error", err)
		return
	}
	rec.AggregatorAddresses = append(rec.AggregatorAddresses, l.self.ID())
	if err := l.deps.Stores.Resumptions.Save(ctx, rec); err != nil {
		slog.Warn("Failed to extend resumption record",
			"task_id", taskID, "error", err)
	}
}

func (l *Leaf) resume(m protocol.ResumeMessage) {
	if l.state != LeafAwaitingResume || l.worker == nil {
		slog.Warn("Leaf agent cannot resume",
			"actor", l.self.ID(), "state", string(l.state), "task_id", m.TaskID)
		return
	}
	l.worker.Send(protocol.ResumeExecution{TaskID: m.TaskID, Parameters: m.Parameters})
	l.state = LeafAwaitingExecution
}

func (l *Leaf) cancel(m protocol.CancelMessage) {
	if l.state == LeafDone {
		return
	}
	// A suspended worker must be retired with us or it stays registered
	// (holding its resumption record) until process shutdown.
	if l.worker != nil {
		l.worker.Send(protocol.CancelMessage{TaskID: l.req.TaskID})
		l.worker = nil
	}
	replyTo := m.ReplyTo
	if replyTo == nil {
		replyTo = l.req.ReplyTo
	}
	replyTo.Send(protocol.TaskResult{TaskID: l.req.TaskID, Status: protocol.StatusCancelled})
	l.state = LeafDone
	l.deps.System.Release(l.self)
}

func (l *Leaf) terminal(result protocol.TaskResult) {
	l.state = LeafDone
	l.req.ReplyTo.Send(result)
	l.deps.System.Release(l.self)
}
