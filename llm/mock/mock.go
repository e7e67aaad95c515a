// Package mock provides a scripted llm.Generator for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/hazyhaar/recherche/llm"
)

// ErrScriptExhausted is returned when Generate is called more times than
// responses were scripted.
var ErrScriptExhausted = errors.New("mock llm: script exhausted")

// Generator replays scripted responses in order and records every request it
// receives. Thread-safe.
type Generator struct {
	mu        sync.Mutex
	responses []Response
	calls     []llm.Request
}

// Response is one scripted reply.
type Response struct {
	Text string
	Err  error
}

// New creates a generator that replies with the given texts in order.
func New(texts ...string) *Generator {
	g := &Generator{}
	for _, t := range texts {
		g.responses = append(g.responses, Response{Text: t})
	}
	return g
}

// Script appends a scripted response.
func (g *Generator) Script(r Response) *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses = append(g.responses, r)
	return g
}

// Generate implements llm.Generator.
func (g *Generator) Generate(ctx context.Context, req llm.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if len(g.calls) > len(g.responses) {
		return "", ErrScriptExhausted
	}
	r := g.responses[len(g.calls)-1]
	return r.Text, r.Err
}

// Calls returns a copy of every request received so far.
func (g *Generator) Calls() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]llm.Request, len(g.calls))
	copy(out, g.calls)
	return out
}
