package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a scripted Client for tests. Responses are matched by substring
// against the prompt, in registration order; unmatched prompts fall back to
// the queued responses, then to Err or DefaultOutput.
type Fake struct {
	mu sync.Mutex

	// rules are substring → response pairs checked first.
	rules []fakeRule
	// queue is consumed one response per call when no rule matches.
	queue []string

	DefaultOutput string
	Err           error

	Calls []Request
}

type fakeRule struct {
	substr string
	output string
}

// NewFake creates an empty fake client.
func NewFake() *Fake { return &Fake{} }

// RespondWhen registers a response returned when the prompt contains substr.
func (f *Fake) RespondWhen(substr, output string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{substr: substr, output: output})
	return f
}

// Enqueue appends responses consumed in order by unmatched calls.
func (f *Fake) Enqueue(outputs ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, outputs...)
	return f
}

// Complete implements Client.
func (f *Fake) Complete(_ context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, req)

	if f.Err != nil {
		return "", f.Err
	}
	full := req.System + "\n" + req.Prompt
	for _, rule := range f.rules {
		if strings.Contains(full, rule.substr) {
			return rule.output, nil
		}
	}
	if len(f.queue) > 0 {
		out := f.queue[0]
		f.queue = f.queue[1:]
		return out, nil
	}
	if f.DefaultOutput != "" {
		return f.DefaultOutput, nil
	}
	return "", fmt.Errorf("fake llm: no scripted response for prompt")
}
