package optimizer

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/pkg/llm"
	"github.com/taskmesh/taskmesh/pkg/models"
)

var dimensionsSchema = llm.MustCompileSchema("dimensions.json", `{
	"type": "object",
	"properties": {
		"dimensions": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"type": {"type": "string", "enum": ["numeric", "categorical", "boolean"]},
					"min": {"type": "number"},
					"max": {"type": "number"},
					"choices": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["name", "type"]
			}
		}
	},
	"required": ["dimensions"]
}`)

// ParseDimensions asks the LLM to propose a tunable parameter schema for an
// optimization goal. Callers treat a failure as "optimization unavailable"
// and fall back to simple repetition.
func ParseDimensions(ctx context.Context, client llm.Client, goal string) ([]models.Dimension, error) {
	if client == nil {
		return nil, fmt.Errorf("dimension parsing requires an llm client")
	}
	req := llm.Request{
		System: "You design a tunable parameter space for an optimization goal. " +
			"Numeric dimensions need min and max; categorical dimensions need choices.",
		Prompt: fmt.Sprintf(
			"Goal: %s\nReply with JSON {\"dimensions\": [...]} per the schema.", goal),
		Temperature: 0,
	}
	var out struct {
		Dimensions []models.Dimension `json:"dimensions"`
	}
	if err := llm.CompleteJSON(ctx, client, req, dimensionsSchema, &out); err != nil {
		return nil, fmt.Errorf("dimension parsing failed: %w", err)
	}
	for _, dim := range out.Dimensions {
		if dim.Type == models.DimensionNumeric && dim.Max < dim.Min {
			return nil, fmt.Errorf("dimension %q: max %v below min %v", dim.Name, dim.Max, dim.Min)
		}
	}
	return out.Dimensions, nil
}

var scoreSchema = llm.MustCompileSchema("score.json", `{
	"type": "object",
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["score"]
}`)

// ScoreOutput asks the LLM to score an execution output against the goal.
// On any failure the score is derived from the success flag and duration
// instead; scoring never fails.
func ScoreOutput(ctx context.Context, client llm.Client, goal string, output map[string]any, fb models.ExecutionFeedback) float64 {
	if client != nil {
		req := llm.Request{
			System: "You score how well an output satisfies a goal, from 0 to 1.",
			Prompt: fmt.Sprintf(
				"Goal: %s\nOutput: %v\nReply with JSON {\"score\": <0..1>}.", goal, output),
			Temperature: 0,
		}
		var out struct {
			Score float64 `json:"score"`
		}
		if err := llm.CompleteJSON(ctx, client, req, scoreSchema, &out); err == nil {
			return out.Score
		}
	}
	return DeriveScore(fb.Success, fb.Duration)
}
