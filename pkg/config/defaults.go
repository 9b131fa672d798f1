package config

import "time"

// Defaults returns the built-in configuration. User YAML overrides these
// values field by field; credentials additionally fall back to well-known
// environment variables (see loader.go).
func Defaults() *Config {
	return &Config{
		System: SystemConfig{
			HTTPPort: "8080",
		},
		Queue: QueueConfig{
			RedisURL:      "redis://localhost:6379/0",
			Stream:        "taskmesh:tasks",
			ConsumerGroup: "taskmesh",
			DedupWindow:   2 * time.Minute,
			BlockTimeout:  5 * time.Second,
		},
		LLM: LLMConfig{
			Endpoint: "http://localhost:8000/v1/complete",
			Model:    "default",
			Timeout:  60 * time.Second,
		},
		Executor: ExecutorConfig{
			WorkflowTimeout:  120 * time.Second,
			HTTPTimeout:      30 * time.Second,
			DataQueryTimeout: 30 * time.Second,
		},
		Loop: LoopConfig{
			DefaultInterval: time.Hour,
			TickInterval:    time.Second,
		},
		Optimization: OptimizationConfig{
			FeedbackWindow: 10,
			MaxRounds:      5,
		},
		Retry: RetryConfig{
			AgentStepRetries: 2,
			Backoff:          2 * time.Second,
		},
	}
}
