package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MustCompileSchema compiles a JSON schema document at package init time.
// It panics on malformed schemas, which are programming errors.
func MustCompileSchema(name, doc string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	if err := compiler.AddResource(name, parsed); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return schema
}

// CompleteJSON sends the request, extracts the JSON object or array from
// the completion, validates it against the supplied schema, and unmarshals
// it into out.
func CompleteJSON(ctx context.Context, c Client, req Request, schema *jsonschema.Schema, out any) error {
	raw, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}

	extracted, err := ExtractJSON(raw)
	if err != nil {
		return fmt.Errorf("llm returned no JSON: %w", err)
	}

	if schema != nil {
		value, err := jsonschema.UnmarshalJSON(strings.NewReader(extracted))
		if err != nil {
			return fmt.Errorf("llm returned malformed JSON: %w", err)
		}
		if err := schema.Validate(value); err != nil {
			return fmt.Errorf("llm output failed schema validation: %w", err)
		}
	}

	if err := json.Unmarshal([]byte(extracted), out); err != nil {
		return fmt.Errorf("decoding llm JSON: %w", err)
	}
	return nil
}

// ExtractJSON pulls the first complete JSON object or array out of text that
// may carry prose or code fences around it.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)

	// Strip a markdown code fence if present.
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON value found")
	}

	open := text[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return "", fmt.Errorf("extracted JSON is invalid")
				}
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON value")
}
