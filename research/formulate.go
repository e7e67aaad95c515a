package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/recherche/llm"
)

const formulateSystem = `You answer questions strictly from the provided web
research context. Cite facts from the context; never invent information that
is not there. If the context does not cover the question, say so. Answer in
the question's language.`

const formulatePrompt = `Research context:

%s

Question: %s

Answer the question using only the context above.`

// Formulate synthesizes the final answer from the condensed context. An empty
// or whitespace reply degrades to the insufficient-context message rather
// than returning a blank answer.
func (o *Orchestrator) Formulate(ctx context.Context, query, researchContext string) (string, error) {
	out, err := o.gen.Generate(ctx, llm.Request{
		System:      formulateSystem,
		Prompt:      fmt.Sprintf(formulatePrompt, researchContext, query),
		Temperature: 0.4,
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		o.logger.Warn("empty synthesis reply", "query", query)
		return InsufficientContext, nil
	}
	return out, nil
}
