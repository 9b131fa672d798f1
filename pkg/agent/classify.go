package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskmesh/taskmesh/pkg/llm"
)

// Operation is one entry of the closed operation taxonomy.
type Operation string

// Creation operations.
const (
	OpNewTask          Operation = "new_task"
	OpNewLoopTask      Operation = "new_loop_task"
	OpNewDelayedTask   Operation = "new_delayed_task"
	OpNewScheduledTask Operation = "new_scheduled_task"
)

// Execution-control operations.
const (
	OpExecuteTask     Operation = "execute_task"
	OpTriggerLoopTask Operation = "trigger_loop_task"
	OpPauseTask       Operation = "pause_task"
	OpResumeTask      Operation = "resume_task"
	OpCancelTask      Operation = "cancel_task"
	OpRetryTask       Operation = "retry_task"
)

// Loop-management operations.
const (
	OpModifyLoopInterval Operation = "modify_loop_interval"
	OpPauseLoop          Operation = "pause_loop"
	OpResumeLoop         Operation = "resume_loop"
	OpCancelLoop         Operation = "cancel_loop"
)

// Modification operations.
const (
	OpModifyTaskParams      Operation = "modify_task_params"
	OpReviseResult          Operation = "revise_result"
	OpReviseProcess         Operation = "revise_process"
	OpRollbackResult        Operation = "rollback_result"
	OpCommentOnTask         Operation = "comment_on_task"
	OpUpdateTaskDescription Operation = "update_task_description"
)

// Query operations.
const (
	OpQueryTaskStatus  Operation = "query_task_status"
	OpQueryTaskResult  Operation = "query_task_result"
	OpQueryTaskHistory Operation = "query_task_history"
	OpListTasks        Operation = "list_tasks"
)

// allOperations is the closed set; anything else is a classification error.
var allOperations = []Operation{
	OpNewTask, OpNewLoopTask, OpNewDelayedTask, OpNewScheduledTask,
	OpExecuteTask, OpTriggerLoopTask, OpPauseTask, OpResumeTask, OpCancelTask, OpRetryTask,
	OpModifyLoopInterval, OpPauseLoop, OpResumeLoop, OpCancelLoop,
	OpModifyTaskParams, OpReviseResult, OpReviseProcess, OpRollbackResult,
	OpCommentOnTask, OpUpdateTaskDescription,
	OpQueryTaskStatus, OpQueryTaskResult, OpQueryTaskHistory, OpListTasks,
}

func knownOperation(op Operation) bool {
	for _, known := range allOperations {
		if op == known {
			return true
		}
	}
	return false
}

// Classification is the root agent's dispatch decision for one utterance.
type Classification struct {
	Operation  Operation `json:"operation"`
	Confidence float64   `json:"confidence"`

	// TaskRef is the free-text reference to an existing task, when the
	// operation targets one ("my last report task").
	TaskRef string `json:"task_ref,omitempty"`

	IntervalSec int    `json:"interval_sec,omitempty"`
	CronExpr    string `json:"cron_expr,omitempty"`
	Comment     string `json:"comment,omitempty"`

	OptimizationEnabled bool   `json:"optimization_enabled,omitempty"`
	UserGoal            string `json:"user_goal,omitempty"`
	FeedbackWindow      int    `json:"feedback_window,omitempty"`
}

var classifySchema = llm.MustCompileSchema("classify.json", `{
	"type": "object",
	"properties": {
		"operation": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"task_ref": {"type": "string"},
		"interval_sec": {"type": "integer"},
		"cron_expr": {"type": "string"},
		"comment": {"type": "string"},
		"optimization_enabled": {"type": "boolean"},
		"user_goal": {"type": "string"},
		"feedback_window": {"type": "integer"}
	},
	"required": ["operation", "confidence"]
}`)

// Classify maps an utterance onto the operation taxonomy: the LLM decides
// with a strict JSON schema, a keyword classifier backs it up, and anything
// still undetermined defaults to new_task with low confidence.
func Classify(ctx context.Context, client llm.Client, utterance string) Classification {
	if client != nil {
		ops := make([]string, len(allOperations))
		for i, op := range allOperations {
			ops[i] = string(op)
		}
		req := llm.Request{
			System: "You classify a user utterance onto a task-engine operation. " +
				"Valid operations: " + strings.Join(ops, ", ") + ". " +
				"Extract interval_sec for recurring tasks and task_ref when the " +
				"utterance points at an existing task.",
			Prompt:      fmt.Sprintf("Utterance: %s\nReply with JSON per the schema.", utterance),
			Temperature: 0,
		}
		var out Classification
		if err := llm.CompleteJSON(ctx, client, req, classifySchema, &out); err == nil {
			if knownOperation(out.Operation) {
				return out
			}
			slog.Warn("Classifier returned unknown operation",
				"operation", string(out.Operation))
		} else {
			slog.Warn("LLM classification failed, using keyword fallback", "error", err)
		}
	}
	return classifyByKeywords(utterance)
}

// keywordRules maps marker substrings to operations, checked in order: the
// more specific loop-management phrasings come before the generic ones.
var keywordRules = []struct {
	markers []string
	op      Operation
}{
	{[]string{"loop interval", "change interval", "修改间隔"}, OpModifyLoopInterval},
	{[]string{"pause loop", "暂停循环"}, OpPauseLoop},
	{[]string{"resume loop", "恢复循环"}, OpResumeLoop},
	{[]string{"cancel loop", "stop loop", "取消循环"}, OpCancelLoop},
	{[]string{"every ", "each day", "hourly", "daily", "weekly", "每"}, OpNewLoopTask},
	{[]string{"cron"}, OpNewScheduledTask},
	{[]string{"later", "in an hour", "tomorrow", "稍后"}, OpNewDelayedTask},
	{[]string{"trigger now", "run now", "立即执行"}, OpTriggerLoopTask},
	{[]string{"retry", "try again", "重试"}, OpRetryTask},
	{[]string{"cancel", "取消"}, OpCancelTask},
	{[]string{"pause", "暂停"}, OpPauseTask},
	{[]string{"resume", "continue", "恢复"}, OpResumeTask},
	{[]string{"rollback", "undo", "回滚"}, OpRollbackResult},
	{[]string{"revise result", "correct the result", "修正结果"}, OpReviseResult},
	{[]string{"comment", "note on", "备注"}, OpCommentOnTask},
	{[]string{"rename", "update description", "修改描述"}, OpUpdateTaskDescription},
	{[]string{"history", "历史"}, OpQueryTaskHistory},
	{[]string{"status", "进度"}, OpQueryTaskStatus},
	{[]string{"result of", "结果"}, OpQueryTaskResult},
	{[]string{"list tasks", "my tasks", "任务列表"}, OpListTasks},
}

func classifyByKeywords(utterance string) Classification {
	lower := strings.ToLower(utterance)
	for _, rule := range keywordRules {
		for _, marker := range rule.markers {
			if strings.Contains(lower, marker) {
				return Classification{Operation: rule.op, Confidence: 0.5}
			}
		}
	}
	return Classification{Operation: OpNewTask, Confidence: 0.3}
}

// referenceKeywords extracts match terms for find-by-reference lookups.
func referenceKeywords(text string) []string {
	fields := strings.Fields(text)
	keywords := make([]string, 0, 5)
	for _, f := range fields {
		f = strings.Trim(f, ".,!?\"'")
		if len(f) < 3 {
			continue
		}
		keywords = append(keywords, f)
		if len(keywords) == 5 {
			break
		}
	}
	if len(keywords) == 0 && text != "" {
		keywords = append(keywords, text)
	}
	return keywords
}
