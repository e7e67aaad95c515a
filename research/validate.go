package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/recherche/condense"
	"github.com/hazyhaar/recherche/llm"
)

// ValidationReport is the sufficiency verdict for one condensed context: the
// heuristic warnings from the condensation checks plus the model's own
// reading of whether the context can answer the question.
type ValidationReport struct {
	Sufficient bool     `json:"sufficient"`
	Warnings   []string `json:"warnings,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}

const validatePrompt = `Context gathered from web sources:

%s

Question: %s

Does the context contain enough information to answer the question?
Return ONLY a JSON object: {"sufficient": true|false, "missing": ["facts still missing, if any"]}`

// Validate judges whether the condensed context is enough to answer the
// query. A context below the configured floor yields an empty report without
// calling the model at all. The model check is best effort: when generation
// fails or the reply is garbage, the heuristic verdict stands.
func (o *Orchestrator) Validate(ctx context.Context, query string, condensed *condense.Result) *ValidationReport {
	if condensed == nil || len(condensed.Context) < o.cfg.MinContextChars {
		return &ValidationReport{}
	}

	report := &ValidationReport{Sufficient: true}
	if heur := condense.Validate(condensed, query); len(heur.Warnings) > 0 {
		report.Warnings = heur.Warnings
		o.logger.Warn("context quality warnings", "query", query, "warnings", heur.Warnings)
	}

	out, err := o.gen.Generate(ctx, llm.Request{
		Prompt:      fmt.Sprintf(validatePrompt, condensed.Context, query),
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		o.logger.Warn("model validation failed, keeping heuristic verdict",
			"query", query, "error", err)
		return report
	}

	payload := extractJSON(strings.TrimSpace(out))
	if payload == "" {
		o.logger.Warn("model validation reply unparseable", "query", query)
		return report
	}
	var verdict struct {
		Sufficient bool     `json:"sufficient"`
		Missing    []string `json:"missing"`
	}
	if err := json.Unmarshal([]byte(payload), &verdict); err != nil {
		o.logger.Warn("model validation reply unparseable", "query", query, "error", err)
		return report
	}
	report.Sufficient = verdict.Sufficient
	report.Missing = verdict.Missing
	return report
}
