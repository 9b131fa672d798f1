package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the expected YAML file inside the config directory.
const ConfigFileName = "taskmesh.yaml"

// Initialize loads, merges, and validates the configuration. Missing YAML
// falls back to built-in defaults; credentials fall back to environment
// variables.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyEnvFallbacks(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"queue_stream", cfg.Queue.Stream,
		"llm_endpoint", cfg.LLM.Endpoint,
		"feedback_window", cfg.Optimization.FeedbackWindow)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("No config file found, using built-in defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	default:
		expanded := ExpandEnv(data)
		if err := yaml.Unmarshal(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	// User values win; defaults fill the gaps.
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("merging defaults: %w", err)
	}
	return cfg, nil
}

// applyEnvFallbacks honors the well-known environment variables when the
// corresponding YAML fields are absent.
func applyEnvFallbacks(cfg *Config) {
	if cfg.Executor.WorkflowAPIKey == "" {
		cfg.Executor.WorkflowAPIKey = os.Getenv("WORKFLOW_API_KEY")
	}
	if cfg.Executor.WorkflowBaseURL == "" {
		cfg.Executor.WorkflowBaseURL = os.Getenv("WORKFLOW_BASE_URL")
	}
	if cfg.Executor.ERPBaseURL == "" {
		cfg.Executor.ERPBaseURL = os.Getenv("ERP_API_BASE_URL")
	}
	if cfg.Executor.ERPToken == "" {
		cfg.Executor.ERPToken = os.Getenv("ERP_API_TOKEN")
	}
	if url := os.Getenv("REDIS_URL"); url != "" && cfg.Queue.RedisURL == Defaults().Queue.RedisURL {
		cfg.Queue.RedisURL = url
	}
	if ep := os.Getenv("LLM_ENDPOINT"); ep != "" && cfg.LLM.Endpoint == Defaults().LLM.Endpoint {
		cfg.LLM.Endpoint = ep
	}
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Queue.Stream == "" {
		errs = append(errs, fmt.Errorf("queue.stream is required"))
	}
	if cfg.Queue.RedisURL == "" {
		errs = append(errs, fmt.Errorf("queue.redis_url is required"))
	}
	if cfg.LLM.Endpoint == "" {
		errs = append(errs, fmt.Errorf("llm.endpoint is required"))
	}
	if cfg.Optimization.FeedbackWindow <= 0 {
		errs = append(errs, fmt.Errorf("optimization.feedback_window must be positive"))
	}
	if cfg.Loop.DefaultInterval <= 0 {
		errs = append(errs, fmt.Errorf("loop.default_interval must be positive"))
	}
	if cfg.Retry.AgentStepRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.agent_step_retries cannot be negative"))
	}
	return errors.Join(errs...)
}
