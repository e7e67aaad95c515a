// Package llm defines the text-generation interface the research pipeline
// depends on. Implementations live in subpackages: ollama for the local
// runtime, mock for tests.
package llm

import "context"

// Request is one generation call.
type Request struct {
	// System is an optional system prompt; empty means none.
	System string
	Prompt string
	// Temperature <= 0 leaves the model default in place.
	Temperature float64
	// JSON asks the runtime for JSON-mode output. Callers still parse
	// defensively: local models honor this loosely.
	JSON bool
	// MaxTokens caps the completion length; 0 leaves the model default.
	MaxTokens int
}

// Generator produces a completion for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
