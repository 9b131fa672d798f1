// Package config loads, merges, and validates the engine configuration:
// a taskmesh.yaml file with environment expansion, built-in defaults, and
// env-variable fallbacks for credentials.
package config

import "time"

// Config is the fully merged and validated engine configuration.
type Config struct {
	System       SystemConfig       `yaml:"system"`
	Queue        QueueConfig        `yaml:"queue"`
	LLM          LLMConfig          `yaml:"llm"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Loop         LoopConfig         `yaml:"loop"`
	Optimization OptimizationConfig `yaml:"optimization"`
	Retry        RetryConfig        `yaml:"retry"`
}

// SystemConfig groups process-wide settings.
type SystemConfig struct {
	HTTPPort string `yaml:"http_port"`
	// PodID identifies this replica; resolved from POD_ID/HOSTNAME when empty.
	PodID string `yaml:"pod_id"`
}

// QueueConfig configures the inbound task queue (Redis Streams) and the
// listener's delivery semantics.
type QueueConfig struct {
	RedisURL      string `yaml:"redis_url"`
	Stream        string `yaml:"stream"`
	ConsumerGroup string `yaml:"consumer_group"`
	// DedupWindow bounds the at-least-once duplicate suppression on task_id.
	DedupWindow  time.Duration `yaml:"dedup_window"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// LLMConfig configures the stateless LLM endpoint.
type LLMConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ExecutorConfig carries the execution worker's capability settings and
// per-capability timeouts.
type ExecutorConfig struct {
	WorkflowBaseURL string `yaml:"workflow_base_url"`
	// WorkflowAPIKey is the platform key used when a node binding lacks one.
	WorkflowAPIKey string `yaml:"workflow_api_key"`
	ERPBaseURL     string `yaml:"erp_base_url"`
	ERPToken       string `yaml:"erp_token"`

	WorkflowTimeout  time.Duration `yaml:"workflow_timeout"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	DataQueryTimeout time.Duration `yaml:"data_query_timeout"`
}

// LoopConfig configures the loop scheduler.
type LoopConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval"`
	// TickInterval is the resolution of the out-of-band timer source.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// OptimizationConfig configures the optimizer side-loop.
type OptimizationConfig struct {
	// FeedbackWindow is K: overlays are recomputed every K executions.
	FeedbackWindow int `yaml:"feedback_window"`
	MaxRounds      int `yaml:"max_rounds"`
}

// RetryConfig bounds the result aggregator's AGENT-step retries.
// TOOL-class steps are never retried inside the core.
type RetryConfig struct {
	AgentStepRetries int           `yaml:"agent_step_retries"`
	Backoff          time.Duration `yaml:"backoff"`
}
