package models

import "time"

// ResumptionRecord is the per-paused-task state that lets a later resume
// message re-enter the exact execution worker that raised NEED_INPUT.
// It is created when a worker reports NEED_INPUT and deleted when the
// worker completes or the task is cancelled.
type ResumptionRecord struct {
	TaskID string `json:"task_id"`

	// WorkerAddress is the actor id of the execution worker awaiting input.
	// After a restart the address may be stale; the resume path validates
	// liveness and fails gracefully.
	WorkerAddress string `json:"worker_address"`

	// OriginalParameters is the fully materialized parameter map the worker
	// held when it paused. Resume parameters are merged over it.
	OriginalParameters map[string]any `json:"original_parameters"`

	MissingParams []string `json:"missing_params"`
	Prompt        string   `json:"prompt"`

	// AggregatorAddresses are the ancestor aggregator actor ids, innermost
	// last, so result routing resumes along the original chain.
	AggregatorAddresses []string `json:"aggregator_addresses,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SemanticPointer records how a human-readable parameter description was
// resolved against the agent tree. It is auditable provenance, not a live
// reference.
type SemanticPointer struct {
	ParamName string `json:"param_name"`
	// Original is the free-text description as given.
	Original string `json:"original"`
	// Resolved is the concrete value or a more specific description.
	Resolved string `json:"resolved"`
	// Confidence is in [0,1], derived from the match path length.
	Confidence float64 `json:"confidence"`
	// Chain is the ordered list of node ids visited during resolution.
	Chain []string `json:"chain,omitempty"`
	// Ambiguous is set when multiple candidates scored within epsilon.
	Ambiguous bool `json:"ambiguous,omitempty"`
}
