// Package llm provides the single LLM-capability interface every call site
// in the core goes through: stateless request/response returning a string or
// parsed JSON. Call sites supply their own schemas for structured output.
package llm

import (
	"context"
)

// Client is the stateless LLM contract.
type Client interface {
	// Complete sends one prompt and returns the raw text completion.
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is one completion request.
type Request struct {
	System string
	Prompt string
	// Temperature of 0 requests deterministic output (classification,
	// planning); leave unset for generation.
	Temperature float64
	MaxTokens   int
}
